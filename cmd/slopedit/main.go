package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kikiluvv/slopedit/internal/config"
	"github.com/kikiluvv/slopedit/internal/controller"
	"github.com/kikiluvv/slopedit/internal/encode"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/gui"
	"github.com/kikiluvv/slopedit/internal/logging"
	"github.com/kikiluvv/slopedit/pkg/util"
)

var (
	cfgFile     string
	verbose     bool
	pluginDir   string
	languageDir string
	resourceDir string

	metricsAddr string

	vcodec string
	acodec string
	hint   string
)

var (
	bold  = lipgloss.NewStyle().Bold(true)
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9A9EA0"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00BCD4"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E95420"))
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "slopedit [project]",
	Short: "slopedit - non-linear timeline editor",
	Long:  "A Go-powered timeline editor: media library, multi-track timeline, preview, mixer and ffmpeg export.",
	Args:  cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(verbose)

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if pluginDir != "" {
			cfg.Paths.PluginDir = pluginDir
		}
		if languageDir != "" {
			cfg.Paths.LanguageDir = languageDir
		}
		if resourceDir != "" {
			cfg.Paths.ResourceDir = resourceDir
		}

		cmd.SetContext(config.WithConfig(cmd.Context(), cfg))
		return nil
	},
	RunE: runEdit,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./slopedit.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&pluginDir, "plugin_dir", "", "plugin directory")
	rootCmd.PersistentFlags().StringVar(&languageDir, "language_dir", "", "translation directory")
	// the flag keeps its historical spelling
	rootCmd.PersistentFlags().StringVar(&resourceDir, "resuorce_dir", "", "resource directory")

	for _, c := range []*cobra.Command{rootCmd, editCmd} {
		c.Flags().StringVar(&metricsAddr, "metrics_addr", "", "serve prometheus metrics on this address")
	}
	exportCmd.Flags().StringVar(&vcodec, "vcodec", "", "video encoder name (default: config video.codec)")
	exportCmd.Flags().StringVar(&acodec, "acodec", "", "audio encoder name (default: config audio.codec)")
	exportCmd.Flags().StringVar(&hint, "hint", "", "pick the first video encoder matching this codec hint")

	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(encodersCmd)
	rootCmd.AddCommand(infoCmd)
}

var editCmd = &cobra.Command{
	Use:   "edit [project]",
	Short: "Open the editor window",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEdit,
}

func runEdit(cmd *cobra.Command, args []string) error {
	cfg := config.FromContext(cmd.Context())
	storePath := cfgFile
	if storePath == "" {
		storePath = "slopedit.yaml"
	}

	ctrl := newController(cfg, storePath, true)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	ctrl.Start(gctx)

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if len(args) == 1 {
		if err := ctrl.Open(gctx, args[0]); err != nil {
			log.Error().Err(err).Str("project", args[0]).Msg("open failed")
		}
	}

	// fyne owns the main goroutine; a failing group member closes the window
	guiErr := gui.Run(gctx, ctrl, componentLogger("gui"), cfg.Preview.TickRate)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	return errors.Join(guiErr, ctrl.Shutdown(shutdownCtx), g.Wait())
}

var exportCmd = &cobra.Command{
	Use:   "export [project] [output]",
	Short: "Render a project to a file without opening the editor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		ctx := cmd.Context()
		logger := componentLogger("cli")

		ctrl := newController(cfg, "", false)
		ctrl.Start(ctx)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = ctrl.Shutdown(shutdownCtx)
		}()

		if err := loadProject(ctx, ctrl, args[0]); err != nil {
			return err
		}

		video, audio := controller.ExportParams(*cfg)
		if vcodec != "" {
			video.Codec = vcodec
		} else if hint != "" {
			name, err := pickEncoder(ctx, ctrl, hint)
			if err != nil {
				return err
			}
			video.Codec = name
		}
		if acodec != "" {
			audio.Codec = acodec
		}

		if err := ctrl.OpenExport(); err != nil {
			return err
		}
		if err := ctrl.ConfigureExport(ctx, args[1], video, audio); err != nil {
			return err
		}
		if err := ctrl.StartExport(ctx); err != nil {
			return err
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Warn().Msg("interrupted, stopping export")
				ctrl.StopExport()
				return ctx.Err()
			case <-ticker.C:
			}

			st := ctrl.ExportStatus()
			fmt.Printf("%s %5.1f%%  %s  %.2fx  eta %s\n",
				cyan.Render("export"), st.Progress*100, util.FormatDuration(st.Elapsed), st.Speed, util.FormatDuration(st.ETA))
			if !st.State.Terminal() {
				continue
			}
			if st.State == encode.Failed {
				fmt.Println(red.Render("✗ " + st.Err))
				if err := ctrl.Export().Err(); err != nil {
					return err
				}
				return errors.New(st.Err)
			}
			fmt.Println(green.Render("✓ ") + bold.Render(args[1]))
			return nil
		}
	},
}

// loadProject opens path and waits for the load to finish.
func loadProject(ctx context.Context, ctrl *controller.Controller, path string) error {
	if err := ctrl.Open(ctx, path); err != nil {
		return err
	}
	if err := ctrl.Loader().Wait(); err != nil {
		return err
	}
	if err := ctrl.Tick(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("first preview failed")
	}
	for _, m := range ctrl.Loader().Missing() {
		log.Warn().Int64("media_id", m.ID).Str("media_path", m.Path).Msg(m.Reason)
	}
	return nil
}

func pickEncoder(ctx context.Context, ctrl *controller.Controller, hint string) (string, error) {
	encs, err := ctrl.Encoders(ctx, hint)
	if err != nil {
		return "", err
	}
	hw := ctrl.Scanner().Hardware()
	for _, enc := range encs {
		if enc.Kind == ffmpeg.StreamVideo && hw.SupportsEncoder(enc.Name) {
			return enc.Name, nil
		}
	}
	return "", fmt.Errorf("no usable video encoder matches %q", hint)
}

var encodersCmd = &cobra.Command{
	Use:   "encoders [hint]",
	Short: "List the encoders ffmpeg offers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		exec := newExecutor(cfg)
		if exec == nil {
			return ffmpeg.ErrNotFound
		}
		var h string
		if len(args) == 1 {
			h = args[0]
		}
		encs, err := exec.FindEncoder(cmd.Context(), h)
		if err != nil {
			return err
		}

		fmt.Println()
		for _, enc := range encs {
			fmt.Printf("  %s %s %s\n", bold.Render(enc.Name), cyan.Render(string(enc.Kind)), gray.Render(enc.Codec))
			if enc.LongName != "" {
				fmt.Printf("    %s\n", gray.Render(enc.LongName))
			}
			if len(enc.Options) > 0 {
				names := make([]string, 0, len(enc.Options))
				for _, o := range enc.Options {
					names = append(names, o.Name)
				}
				fmt.Printf("    options: %v\n", names)
			}
		}
		fmt.Printf("\n%s %d\n", bold.Render("Encoders:"), len(encs))
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [project]",
	Short: "Print the media library and timeline of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		ctx := cmd.Context()

		ctrl := newController(cfg, "", false)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = ctrl.Shutdown(shutdownCtx)
		}()
		ctrl.Start(ctx)
		if err := loadProject(ctx, ctrl, args[0]); err != nil {
			return err
		}

		st := ctrl.Session().Settings()
		fmt.Println()
		fmt.Printf("%s %s\n", bold.Render("Project:"), cyan.Render(filepath.Base(ctrl.Loader().Path())))
		fmt.Printf("%s %dx%d @ %s, %d ch %d Hz %s\n", gray.Render("Settings:"),
			st.Width, st.Height, st.FrameRate, st.Channels, st.SampleRate, st.AudioFormat)
		fmt.Printf("%s %s\n\n", gray.Render("Duration:"), util.FormatDuration(ctrl.Session().Duration()))

		fmt.Println(bold.Render("Media:"))
		for _, it := range ctrl.Catalog().Items() {
			status := green.Render("✓")
			if !it.Valid {
				status = red.Render("✗")
			}
			fmt.Printf("  %s %3d %s %s\n", status, it.ID, bold.Render(it.Name), gray.Render(it.Kind.String()))
		}

		fmt.Println()
		fmt.Println(bold.Render("Tracks:"))
		for _, t := range ctrl.Session().Tracks() {
			muted := ""
			if t.Muted {
				muted = gray.Render(" (muted)")
			}
			fmt.Printf("  %s %s%s\n", bold.Render(t.Name), cyan.Render(string(t.Kind)), muted)
			for _, c := range t.Clips {
				fmt.Printf("    clip %d  media %d  %s - %s\n", c.ID, c.MediaID, util.FormatDuration(c.Start), util.FormatDuration(c.End()))
			}
		}
		if in, out, ok := ctrl.Session().Marks(); ok {
			fmt.Printf("\n%s %s - %s\n", gray.Render("Marks:"), util.FormatDuration(in), util.FormatDuration(out))
		}
		fmt.Println()
		return nil
	},
}

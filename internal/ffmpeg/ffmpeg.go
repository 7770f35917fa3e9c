package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by New when ffmpeg or ffprobe is not installed.
var ErrNotFound = errors.New("ffmpeg not found")

// Executor handles all ffmpeg operations with progress streaming
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
	threads     int

	mu        sync.Mutex
	encoders  []Encoder
	described map[string]Encoder
}

// Options configures the executor. Empty paths are looked up in PATH.
type Options struct {
	BinaryPath string
	ProbePath  string
	Threads    int
}

// New creates a new ffmpeg executor
func New(logger zerolog.Logger, opts Options) (*Executor, error) {
	ffmpegPath, err := lookPath(opts.BinaryPath, "ffmpeg")
	if err != nil {
		return nil, err
	}

	ffprobePath, err := lookPath(opts.ProbePath, "ffprobe")
	if err != nil {
		return nil, err
	}

	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		threads:     opts.Threads,
		described:   make(map[string]Encoder),
	}, nil
}

func lookPath(configured, name string) (string, error) {
	if configured == "" {
		configured = name
	}
	path, err := exec.LookPath(configured)
	if err != nil {
		return "", fmt.Errorf("%w: %s not in PATH: %v", ErrNotFound, name, err)
	}
	return path, nil
}

// Run executes ffmpeg with the given arguments and streams progress
func (e *Executor) Run(ctx context.Context, opts RunOptions) error {
	if len(opts.Args) == 0 {
		return fmt.Errorf("no arguments provided")
	}

	// Threads go before the inputs
	baseArgs := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "info"}

	if e.threads > 0 {
		baseArgs = append(baseArgs, "-threads", strconv.Itoa(e.threads))
	}

	baseArgs = append(baseArgs, "-progress", "pipe:2")
	args := append(baseArgs, opts.Args...)

	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Keep the tail of the log so a failure can be reported verbatim.
	tail := newTailBuffer(8)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		streamProgress(stderr, opts.ProgressHandler, func(line string) {
			tail.add(line)
			if opts.LogHandler != nil {
				opts.LogHandler(line)
			}
		})
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if opts.LogHandler != nil {
				opts.LogHandler(scanner.Text())
			}
		}
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if last := tail.last(); last != "" {
			return fmt.Errorf("ffmpeg execution failed: %w: %s", err, last)
		}
		return fmt.Errorf("ffmpeg execution failed: %w", err)
	}

	e.logger.Debug().Msg("ffmpeg execution completed")
	return nil
}

// output runs a short informational ffmpeg command and returns its stdout.
func (e *Executor) output(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-hide_banner", "-nostdin"}, args...)
	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// streamProgress parses -progress key=value blocks and forwards every line
// to logHandler. A block ends with a progress= line.
func streamProgress(r io.Reader, progressHandler func(*Progress), logHandler func(string)) {
	scanner := bufio.NewScanner(r)
	progressData := &Progress{}

	for scanner.Scan() {
		line := scanner.Text()

		if logHandler != nil {
			logHandler(line)
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "frame":
			progressData.Frame, _ = strconv.Atoi(value)
		case "fps":
			progressData.FPS, _ = strconv.ParseFloat(value, 64)
		case "bitrate":
			progressData.Bitrate = value
		case "out_time_us", "out_time_ms":
			// out_time_ms is microseconds too, kept for old builds
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				progressData.OutTime = time.Duration(us) * time.Microsecond
			}
		case "out_time":
			progressData.Time = value
		case "speed":
			progressData.Speed = value
		case "progress":
			progressData.Done = value == "end"
			if progressHandler != nil {
				progressHandler(progressData)
			}
			progressData = &Progress{}
		}
	}
}

type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (b *tailBuffer) add(line string) {
	// progress key=value lines carry no diagnostics
	if k, _, ok := strings.Cut(line, "="); ok && !strings.ContainsAny(k, " :[") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.size {
		b.lines = b.lines[len(b.lines)-b.size:]
	}
}

func (b *tailBuffer) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(b.lines[i]); s != "" {
			return s
		}
	}
	return ""
}

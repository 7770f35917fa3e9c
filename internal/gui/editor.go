// Package gui is the fyne window around the controller. It only presents
// state and forwards input; every session mutation goes through the
// controller on the UI goroutine.
package gui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/widget"
	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/controller"
	"github.com/kikiluvv/slopedit/internal/encode"
	"github.com/kikiluvv/slopedit/internal/media"
	"github.com/kikiluvv/slopedit/internal/mixer"
	"github.com/kikiluvv/slopedit/internal/project"
	"github.com/kikiluvv/slopedit/internal/timeline"
	"github.com/kikiluvv/slopedit/pkg/util"
)

var mediaFilter = []string{".mp4", ".mov", ".mkv", ".avi", ".webm", ".wav", ".mp3", ".flac", ".ogg", ".png", ".jpg", ".jpeg", ".srt"}

type editor struct {
	ctrl   *controller.Controller
	logger zerolog.Logger
	win    fyne.Window

	preview   *canvas.Image
	slider    *widget.Slider
	cursor    *widget.Label
	status    *widget.Label
	loadBar   *widget.ProgressBar
	exportBar *widget.ProgressBar
	exportMsg *widget.Label
	meter     *widget.ProgressBar
	library   *widget.List

	items       []media.Item
	selected    int
	updating    bool
	wasLoading  bool
	exportState encode.State
}

// Run opens the editor window and blocks until it is closed or ctx ends.
// The UI tick runs at rate per second.
func Run(ctx context.Context, ctrl *controller.Controller, logger zerolog.Logger, rate int) error {
	if rate <= 0 {
		rate = 60
	}
	a := app.NewWithID("slopedit")
	e := &editor{
		ctrl:     ctrl,
		logger:   logger.With().Str("component", "gui").Logger(),
		win:      a.NewWindow("slopedit"),
		selected: -1,
	}
	e.win.Resize(fyne.NewSize(1280, 800))
	e.build()
	e.refreshLibrary()
	// a load started before the window opened still gets its completion handled
	e.wasLoading = ctrl.Loader().Current() != nil

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			fyne.Do(a.Quit)
		case <-done:
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				fyne.Do(func() { e.tick(ctx, now) })
			}
		}
	}()

	e.win.ShowAndRun()
	return nil
}

func (e *editor) build() {
	e.preview = canvas.NewImageFromImage(nil)
	e.preview.FillMode = canvas.ImageFillContain
	e.preview.SetMinSize(fyne.NewSize(640, 360))

	e.cursor = widget.NewLabel("00:00:00.000")
	e.status = widget.NewLabel("No project")
	e.loadBar = widget.NewProgressBar()
	e.loadBar.Hide()
	e.exportBar = widget.NewProgressBar()
	e.exportMsg = widget.NewLabel("")
	e.meter = widget.NewProgressBar()
	e.meter.TextFormatter = func() string { return "master" }

	e.slider = widget.NewSlider(0, 1)
	e.slider.Step = 0.001
	e.slider.OnChanged = func(v float64) {
		if e.updating {
			return
		}
		e.ctrl.Seek(time.Duration(v*float64(time.Second)), true)
	}

	e.library = widget.NewList(
		func() int { return len(e.items) },
		func() fyne.CanvasObject { return widget.NewLabel("media") },
		func(id widget.ListItemID, o fyne.CanvasObject) {
			it := e.items[id]
			text := fmt.Sprintf("%s  [%s]", it.Name, it.Kind)
			if !it.Valid {
				text += "  (missing)"
			}
			o.(*widget.Label).SetText(text)
		},
	)
	e.library.OnSelected = func(id widget.ListItemID) { e.selected = id }
	e.library.OnUnselected = func(widget.ListItemID) { e.selected = -1 }

	transport := container.NewHBox(
		widget.NewButton("|<", func() { e.ctrl.Step(false) }),
		widget.NewButton("<", func() { e.ctrl.Play(false) }),
		widget.NewButton("Stop", e.ctrl.Stop),
		widget.NewButton(">", func() { e.ctrl.Play(true) }),
		widget.NewButton(">|", func() { e.ctrl.Step(true) }),
		widget.NewCheck("Loop", e.ctrl.SetLoop),
		widget.NewButton("Mark In", e.markIn),
		widget.NewButton("Mark Out", e.markOut),
		e.cursor,
	)

	toolbar := container.NewHBox(
		widget.NewButton("Open", e.openProject),
		widget.NewButton("Save", e.saveProject),
		widget.NewButton("Import", e.importMedia),
		widget.NewButton("Remove", e.removeMedia),
		widget.NewButton("Relocate", e.relocateMedia),
		widget.NewButton("Add to Timeline", e.addSelected),
		widget.NewButton("Export", e.export),
		widget.NewButton("Stop Export", e.ctrl.StopExport),
	)

	center := container.NewBorder(nil, container.NewVBox(e.slider, transport), nil, nil, e.preview)
	split := container.NewHSplit(container.NewBorder(widget.NewLabel("Media"), nil, nil, nil, e.library), center)
	split.Offset = e.ctrl.Store().Snapshot().Layout.CatalogRatio

	bottom := container.NewVBox(e.meter, e.loadBar, e.exportBar, e.exportMsg, e.status)
	e.win.SetContent(container.NewBorder(toolbar, bottom, nil, nil, split))
}

func (e *editor) tick(ctx context.Context, now time.Time) {
	if err := e.ctrl.Tick(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
		e.status.SetText(err.Error())
	}

	ls := e.ctrl.Loader().Status()
	if ls.Loading {
		e.loadBar.Show()
		e.loadBar.SetValue(ls.Progress)
	} else {
		e.loadBar.Hide()
	}
	if e.wasLoading && !ls.Loading {
		e.loadFinished(ls)
	}
	e.wasLoading = ls.Loading

	if f, fresh, ok := e.ctrl.Session().PreviewSlot().Latest(); ok && fresh {
		e.preview.Image = f.Image
		e.preview.Refresh()
	}

	e.updating = true
	e.slider.Max = e.ctrl.Session().Duration().Seconds()
	if e.slider.Max <= 0 {
		e.slider.Max = 1
	}
	cur := e.ctrl.Clock().Cursor()
	e.slider.SetValue(cur.Seconds())
	e.updating = false
	e.cursor.SetText(util.FormatDuration(cur))

	if lv, ok := e.ctrl.Mixer().Levels(mixer.Master); ok && len(lv.Level) > 0 {
		e.meter.SetValue(meterFraction(lv.Level[0]))
	}

	e.updateExport()
}

func meterFraction(db float64) float64 {
	f := (db - mixer.MinGainDB) / -mixer.MinGainDB
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (e *editor) loadFinished(ls project.Status) {
	e.refreshLibrary()
	if ls.Err != nil {
		dialog.ShowError(ls.Err, e.win)
		e.status.SetText("Load failed")
		return
	}
	msg := "Loaded " + ls.Path
	if n := len(ls.Missing); n > 0 {
		msg += fmt.Sprintf(" (%d media missing)", n)
	}
	e.status.SetText(msg)
}

func (e *editor) updateExport() {
	st := e.ctrl.ExportStatus()
	e.exportBar.SetValue(st.Progress)
	switch {
	case st.State == encode.Running:
		e.exportMsg.SetText(fmt.Sprintf("Exporting %s  %.1fx  ETA %s", st.Output, st.Speed, util.FormatDuration(st.ETA)))
	case st.Err != "":
		e.exportMsg.SetText(st.Err)
	case st.State.Terminal():
		e.exportMsg.SetText(fmt.Sprintf("Export %s in %s", st.State, util.FormatDuration(st.Elapsed)))
	}
	if st.State == encode.Failed && e.exportState != encode.Failed {
		dialog.ShowError(errors.New(st.Err), e.win)
	}
	e.exportState = st.State
}

func (e *editor) refreshLibrary() {
	e.items = e.ctrl.Catalog().Items()
	e.selected = -1
	e.library.UnselectAll()
	e.library.Refresh()
}

func (e *editor) openProject() {
	fd := dialog.NewFileOpen(func(ur fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if ur == nil {
			return
		}
		path := ur.URI().Path()
		_ = ur.Close()
		if err := e.ctrl.Open(context.Background(), path); err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		e.status.SetText("Loading " + path)
	}, e.win)
	fd.SetFilter(storage.NewExtensionFileFilter([]string{project.Extension}))
	fd.Show()
}

func (e *editor) saveProject() {
	if e.ctrl.Loader().Path() != "" {
		e.save("")
		return
	}
	fd := dialog.NewFileSave(func(uc fyne.URIWriteCloser, err error) {
		if err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if uc == nil {
			return
		}
		path := uc.URI().Path()
		_ = uc.Close()
		e.save(path)
	}, e.win)
	fd.SetFileName("untitled" + project.Extension)
	fd.Show()
}

func (e *editor) save(path string) {
	if err := e.ctrl.Save(context.Background(), path); err != nil {
		dialog.ShowError(err, e.win)
		return
	}
	e.status.SetText("Saved " + e.ctrl.Loader().Path())
}

func (e *editor) importMedia() {
	fd := dialog.NewFileOpen(func(ur fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if ur == nil {
			return
		}
		path := ur.URI().Path()
		_ = ur.Close()
		if _, err := e.ctrl.Import(path); err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		e.refreshLibrary()
	}, e.win)
	fd.SetFilter(storage.NewExtensionFileFilter(mediaFilter))
	fd.Show()
}

func (e *editor) removeMedia() {
	if e.selected < 0 || e.selected >= len(e.items) {
		return
	}
	if err := e.ctrl.RemoveMedia(e.items[e.selected].ID); err != nil {
		dialog.ShowError(err, e.win)
		return
	}
	e.refreshLibrary()
}

func (e *editor) relocateMedia() {
	if e.selected < 0 || e.selected >= len(e.items) {
		return
	}
	id := e.items[e.selected].ID
	fd := dialog.NewFileOpen(func(ur fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if ur == nil {
			return
		}
		path := ur.URI().Path()
		_ = ur.Close()
		if _, err := e.ctrl.Relocate(id, path); err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		e.refreshLibrary()
	}, e.win)
	fd.SetFilter(storage.NewExtensionFileFilter(mediaFilter))
	fd.Show()
}

// addSelected appends the selected item at the end of the first track of
// the matching kind, creating the track when there is none.
func (e *editor) addSelected() {
	if e.selected < 0 || e.selected >= len(e.items) {
		return
	}
	it := e.items[e.selected]
	kind := timeline.TrackAudio
	switch {
	case it.Kind == media.KindSubtitle || it.Kind == media.KindText:
		kind = timeline.TrackSubtitle
	case it.Kind.HasVideo() || it.Kind.IsStill():
		kind = timeline.TrackVideo
	}

	trackID, end := 0, time.Duration(0)
	for _, t := range e.ctrl.Session().Tracks() {
		if t.Kind != kind {
			continue
		}
		trackID = t.ID
		for _, c := range t.Clips {
			if c.End() > end {
				end = c.End()
			}
		}
		break
	}
	if trackID == 0 {
		id, err := e.ctrl.AddTrack(kind, fmt.Sprintf("%s %d", kind, len(e.ctrl.Session().Tracks())+1))
		if err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		trackID = id
	}

	length := 5 * time.Second
	if ov, err := e.ctrl.Catalog().Overview(context.Background(), it.ID); err == nil && ov.Duration() > 0 && !it.Kind.IsStill() {
		length = ov.Duration()
	}
	if _, err := e.ctrl.AddClip(trackID, it.ID, end, 0, length); err != nil {
		dialog.ShowError(err, e.win)
	}
}

func (e *editor) markIn() {
	_, out, ok := e.ctrl.Session().Marks()
	if !ok {
		out = e.ctrl.Session().Duration()
	}
	if err := e.ctrl.SetMarks(e.ctrl.Clock().Cursor(), out); err != nil {
		dialog.ShowError(err, e.win)
	}
}

func (e *editor) markOut() {
	in, _, _ := e.ctrl.Session().Marks()
	if err := e.ctrl.SetMarks(in, e.ctrl.Clock().Cursor()); err != nil {
		dialog.ShowError(err, e.win)
	}
}

func (e *editor) export() {
	fd := dialog.NewFileSave(func(uc fyne.URIWriteCloser, err error) {
		if err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if uc == nil {
			return
		}
		output := uc.URI().Path()
		_ = uc.Close()

		ctx := context.Background()
		v, a := controller.ExportParams(e.ctrl.Store().Snapshot())
		if err := e.ctrl.OpenExport(); err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if err := e.ctrl.ConfigureExport(ctx, output, v, a); err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		if err := e.ctrl.StartExport(ctx); err != nil {
			dialog.ShowError(err, e.win)
			return
		}
		e.logger.Info().Str("output", output).Msg("export started from editor")
	}, e.win)
	fd.SetFileName("export.mp4")
	fd.Show()
}

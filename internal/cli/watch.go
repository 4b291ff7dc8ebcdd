package cli

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"motionbrush/internal/fsutil"
	"motionbrush/internal/pipeline"
)

// watchDebounce is how long a layer set must stay quiet before it is
// extracted. Editors emit several create and write events per save.
const watchDebounce = time.Second

const optBase = "base"

type watchOptions struct {
	direction string
	upload    bool
}

// layerDispatcher turns layer file events into extraction jobs. Events are
// debounced per set on the trailing edge, so the job sees the last save of
// every layer.
type layerDispatcher struct {
	root   *Root
	opts   watchOptions
	delay  time.Duration
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newLayerDispatcher(root *Root, opts watchOptions) *layerDispatcher {
	return &layerDispatcher{root: root, opts: opts, delay: watchDebounce, timers: map[string]*time.Timer{}}
}

// dispatch schedules an extraction for the set ev belongs to, pushing back
// any extraction already pending for it. It reports whether ev names a
// layer file.
func (d *layerDispatcher) dispatch(ctx context.Context, ev fsutil.Event) bool {
	base, _, ok := fsutil.LayerKind(ev.Path)
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, pending := d.timers[base]; pending {
		t.Reset(d.delay)
		return true
	}
	path := ev.Path
	d.timers[base] = time.AfterFunc(d.delay, func() { d.flush(ctx, base, path) })
	return true
}

// flush resolves the set as it is on disk now and queues it when complete.
func (d *layerDispatcher) flush(ctx context.Context, base, layerPath string) {
	d.mu.Lock()
	delete(d.timers, base)
	d.mu.Unlock()

	set, ok := fsutil.Siblings(layerPath)
	if !ok {
		return
	}
	if !set.Complete() {
		d.root.log.Debug("layer set incomplete", "base", set.Base, "path", set.Path, "dynamic", set.Dynamic)
		return
	}

	opts := map[string]any{
		pipeline.OptDynamic: set.Dynamic,
		pipeline.OptStatic:  set.Static,
		pipeline.OptUpload:  d.opts.upload,
		optBase:             set.Base,
	}
	if d.opts.direction != "" {
		opts[pipeline.OptDirection] = d.opts.direction
	}
	job := pipeline.Job{
		ID:        pipeline.NewJobID(string(pipeline.JobExtract)),
		Type:      pipeline.JobExtract,
		InputPath: set.Path,
		Output:    set.CompositePath(),
		Options:   opts,
	}
	if err := d.root.enqueue(ctx, job); err != nil {
		d.root.log.Error("failed to queue extraction", "base", set.Base, "error", err)
	}
}

// stop cancels pending extractions.
func (d *layerDispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for base, t := range d.timers {
		t.Stop()
		delete(d.timers, base)
	}
}

// record writes the waypoints of a finished extraction next to its layers.
func (d *layerDispatcher) record(res pipeline.Result) {
	base, ok := res.Job.Options[optBase].(string)
	if !ok || res.Job.Type != pipeline.JobExtract {
		return
	}
	if res.Error != nil {
		d.root.log.Warn("extraction failed", "base", base, "error", res.Error)
		return
	}
	data, err := json.MarshalIndent(res.Meta["points"], "", "  ")
	if err != nil {
		d.root.log.Error("failed to encode points", "base", base, "error", err)
		return
	}
	path := base + ".points.json"
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		d.root.log.Error("failed to write points", "path", path, "error", err)
		return
	}
	d.root.log.Info("waypoints written", "path", path, "waypoints", res.Meta["waypoints"], "mask_url", res.Meta["mask_url"])
}

// watch runs until ctx is cancelled.
func (r *Root) watch(ctx context.Context, dirs []string, opts watchOptions) error {
	w, err := fsutil.NewWatcher(dirs, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	d := newLayerDispatcher(r, opts)
	defer d.stop()
	results, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	// Sets already on disk are processed once at startup.
	for _, dir := range dirs {
		sets, err := fsutil.ScanLayerSets(dir)
		if err != nil {
			return err
		}
		for _, s := range sets {
			d.dispatch(ctx, fsutil.Event{Path: s.Path, Kind: fsutil.KindPath, Operation: "existing", Time: time.Now()})
		}
	}

	r.log.Info("watching for layer changes", "dirs", strings.Join(dirs, ","))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			d.dispatch(ctx, ev)
		case res, ok := <-results:
			if !ok {
				return nil
			}
			d.record(res)
		}
	}
}

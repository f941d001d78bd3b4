// Package rconfig loads the tunable knobs of the memory subsystem from a
// TOML file and optionally watches it for live edits. None of these
// knobs change the wire-level invariants of pm/ha/vm (page size, PTE
// layout); they tune policy: the buddy allocator's top order, when the
// subheap switches to best-fit, whether the heap scrubs freed memory,
// and how large the translation cache is.
package rconfig

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/iamleson98/rsm/internal/rlog"
)

// Config holds the runtime-tunable parameters. Structural constants that
// the on-disk/in-memory layout depends on (page size, PTE size) are not
// here; they are compile-time constants in their owning packages.
type Config struct {
	// MaxOrder caps the buddy allocator's largest block order.
	MaxOrder int `toml:"max_order"`
	// BestFitThreshold is the chunk-count boundary at or above which the
	// subheap allocator switches from first-fit to best-fit scanning.
	BestFitThreshold int `toml:"best_fit_threshold"`
	// ScrubOnFree fills freed heap regions with a sentinel byte so
	// use-after-free is easier to diagnose.
	ScrubOnFree bool `toml:"scrub_on_free"`
	// TLBEntries is the number of direct-mapped slots in a guest
	// translation cache. Must be a power of two.
	TLBEntries int `toml:"tlb_entries"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		MaxOrder:         20,
		BestFitThreshold: 128,
		ScrubOnFree:      true,
		TLBEntries:       1024,
	}
}

// Load reads a TOML config file, filling in defaults for any numeric
// field left at zero. ScrubOnFree is taken as the file gives it, so it
// is false when the file omits it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	var onDisk Config
	if _, err := toml.DecodeFile(path, &onDisk); err != nil {
		return cfg, fmt.Errorf("rconfig: decode %s: %w", path, err)
	}
	if onDisk.MaxOrder != 0 {
		cfg.MaxOrder = onDisk.MaxOrder
	}
	if onDisk.BestFitThreshold != 0 {
		cfg.BestFitThreshold = onDisk.BestFitThreshold
	}
	if onDisk.TLBEntries != 0 {
		cfg.TLBEntries = onDisk.TLBEntries
	}
	cfg.ScrubOnFree = onDisk.ScrubOnFree
	return cfg, nil
}

// Watcher reloads Config from path whenever it changes on disk and
// publishes updates through Updates. It does not apply them: a heap
// allocator keeps the Config it was created with. Only ScrubOnFree and
// BestFitThreshold are safe to change after the allocators are
// constructed (ha reads both on every call; the sizing knobs are fixed
// at create time); callers that want to react to size changes should
// recreate the allocator instead.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	current Config
	updates chan Config
	done    chan struct{}
}

// NewWatcher starts watching path for changes, seeding the current value
// from an initial Load.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rconfig: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("rconfig: watch %s: %w", path, err)
	}
	w := &Watcher{
		path:    path,
		fsw:     fsw,
		current: cfg,
		updates: make(chan Config, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.updates)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				rlog.L.Warnw("rconfig: reload failed", "path", w.path, "err", err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			select {
			case w.updates <- cfg:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			rlog.L.Warnw("rconfig: watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Updates delivers a new Config each time the file is reloaded.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

package constraintfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/port/constraints"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// File is a constraints.Source backed by a YAML file. The current Model is
// swapped atomically, so readers always see one consistent snapshot.
type File struct {
	path             string
	defaultThreshold float64
	model            atomic.Pointer[Model]
	reloads          atomic.Int64
	onReload         func(*Model)
}

// Open loads path. A missing file yields an empty model so the framework
// defaults apply until the file appears.
func Open(path string, defaultThreshold float64) (*File, error) {
	f := &File{path: path, defaultThreshold: defaultThreshold}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// OnReload registers fn to run after every successful reload.
func (f *File) OnReload(fn func(*Model)) {
	f.onReload = fn
}

// Reload re-reads the file. On a parse or validation error the previous model
// stays active and the error is returned.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if f.model.Load() == nil {
				f.model.Store(&Model{values: map[string]any{}})
			}
			return nil
		}
		return fmt.Errorf("read constraints %s: %w", f.path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	f.model.Store(m)
	f.reloads.Add(1)
	if f.onReload != nil {
		f.onReload(m)
	}
	return nil
}

// Reloads returns the number of successful loads, including the first.
func (f *File) Reloads() int64 {
	return f.reloads.Load()
}

// Watch reloads the file on change until ctx is cancelled. The parent
// directory is watched so atomic rename-on-save is picked up.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("constraints watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go f.watchLoop(ctx, w)
	return nil
}

func (f *File) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer func() { _ = w.Close() }()

	base := filepath.Base(f.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := f.Reload(); err != nil {
				slog.Error("constraint reload failed, keeping previous model", "path", f.path, "error", err)
				continue
			}
			slog.Info("constraints reloaded", "path", f.path, "reloads", f.reloads.Load())
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("constraints watcher error", "error", err)
		}
	}
}

func (f *File) current() *Model { return f.model.Load() }

// GetValue implements constraints.Source.
func (f *File) GetValue(key string, def any) any { return f.current().getValue(key, def) }

// GetFloat implements constraints.Source.
func (f *File) GetFloat(key string, def float64) float64 { return f.current().getFloat(key, def) }

// GetDuration implements constraints.Source.
func (f *File) GetDuration(key string, def time.Duration) time.Duration {
	return f.current().getDuration(key, def)
}

// GetRoutingRules implements constraints.Source.
func (f *File) GetRoutingRules() []routing.Rule { return slices.Clone(f.current().routingRules) }

// GetResolutionRules implements constraints.Source.
func (f *File) GetResolutionRules() []synthesis.ResolutionRule {
	return slices.Clone(f.current().resolutionRules)
}

// GetConfidenceThreshold implements constraints.Source.
func (f *File) GetConfidenceThreshold() float64 { return f.current().threshold(f.defaultThreshold) }

// DomainCatalogue implements constraints.Source.
func (f *File) DomainCatalogue() []constraints.DomainInfo { return slices.Clone(f.current().domains) }

// Static is a constraints.Source over a fixed Model.
type Static struct {
	m                *Model
	defaultThreshold float64
}

// NewStatic wraps m. A nil model behaves as an empty document.
func NewStatic(m *Model, defaultThreshold float64) *Static {
	if m == nil {
		m = &Model{values: map[string]any{}}
	}
	return &Static{m: m, defaultThreshold: defaultThreshold}
}

// GetValue implements constraints.Source.
func (s *Static) GetValue(key string, def any) any { return s.m.getValue(key, def) }

// GetFloat implements constraints.Source.
func (s *Static) GetFloat(key string, def float64) float64 { return s.m.getFloat(key, def) }

// GetDuration implements constraints.Source.
func (s *Static) GetDuration(key string, def time.Duration) time.Duration {
	return s.m.getDuration(key, def)
}

// GetRoutingRules implements constraints.Source.
func (s *Static) GetRoutingRules() []routing.Rule { return slices.Clone(s.m.routingRules) }

// GetResolutionRules implements constraints.Source.
func (s *Static) GetResolutionRules() []synthesis.ResolutionRule {
	return slices.Clone(s.m.resolutionRules)
}

// GetConfidenceThreshold implements constraints.Source.
func (s *Static) GetConfidenceThreshold() float64 { return s.m.threshold(s.defaultThreshold) }

// DomainCatalogue implements constraints.Source.
func (s *Static) DomainCatalogue() []constraints.DomainInfo { return slices.Clone(s.m.domains) }

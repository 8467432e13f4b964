package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"shipdeck/internal/model"
)

// DefaultDebounce coalesces rapid successive mutations into one disk
// write.
const DefaultDebounce = 2 * time.Second

// Persister writes the state tree to disk as JSON with a debounced,
// single-in-flight write queue. A lost write is retried on the next
// mutation; disk failure never crashes the process.
type Persister struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger

	source func() *model.State
	kick   chan struct{}
}

// NewPersister creates a persister for the given snapshot path.
func NewPersister(path string, debounce time.Duration, logger *slog.Logger) *Persister {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Persister{
		Path:     path,
		Debounce: debounce,
		Logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Bind attaches the snapshot source the persister serializes. Must be
// called before Run.
func (p *Persister) Bind(source func() *model.State) {
	p.source = source
}

// Schedule marks the state dirty. Multiple calls within the debounce
// window coalesce into one write.
func (p *Persister) Schedule() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run services the write queue until the context is cancelled, then
// performs a final flush of any pending write.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-p.kick:
				p.write()
			default:
			}
			return
		case <-p.kick:
			// Wait out the debounce window; later Schedule calls fold
			// into this write because we serialize at write time.
			select {
			case <-time.After(p.Debounce):
			case <-ctx.Done():
			}
			p.write()
		}
	}
}

// Flush writes the current state immediately. Used at shutdown.
func (p *Persister) Flush() {
	p.write()
}

func (p *Persister) write() {
	if p.source == nil {
		return
	}
	snap := p.source()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		p.Logger.Error("failed to serialize cache snapshot", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		p.Logger.Error("failed to create snapshot directory", "error", err)
		return
	}

	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.Logger.Error("failed to write cache snapshot", "error", err, "path", tmp)
		return
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		p.Logger.Error("failed to replace cache snapshot", "error", err, "path", p.Path)
	}
}

// Load reads the last snapshot. A missing file, malformed content or a
// snapshot without projects returns nil: the caller starts from an
// empty tree and the first full refresh rebuilds everything.
func (p *Persister) Load() *model.State {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.Logger.Warn("failed to read cache snapshot", "error", err, "path", p.Path)
		}
		return nil
	}

	loaded := model.NewState()
	if err := json.Unmarshal(data, loaded); err != nil {
		p.Logger.Warn("cache snapshot is malformed, starting empty", "error", err, "path", p.Path)
		return nil
	}
	if len(loaded.Projects) == 0 {
		return nil
	}
	if loaded.Meta.JobBuildNumbers == nil {
		loaded.Meta.JobBuildNumbers = make(map[string]int)
	}
	return loaded
}

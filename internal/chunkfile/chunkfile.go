// Package chunkfile describes a host application as YAML so it can be booted
// under the reference loader. A file lists chunks; each chunk carries module
// factories as Go source and may name an entry module to require once the
// chunk is installed. Lazy chunks are only pushed when the loader asks for
// them through its chunk loader.
//
//	chunks:
//	  - ids: [main]
//	    entry: "1"
//	    modules:
//	      - id: "1"
//	        source: |
//	          func(module map[string]any, exports map[string]any, require func(string) any) {
//	              exports["ready"] = true
//	          }
//	  - ids: ["12"]
//	    lazy: true
//	    modules: [...]
package chunkfile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"livepatch/internal/host"
)

// Compiler turns factory source into a factory.
type Compiler interface {
	Factory(id, src string) (*host.Factory, error)
}

// Bundle is the YAML shape of a chunk file.
type Bundle struct {
	Chunks []Chunk `yaml:"chunks"`
}

// Chunk is one chunk of a bundle.
type Chunk struct {
	IDs     []string `yaml:"ids"`
	Entry   string   `yaml:"entry,omitempty"`
	Lazy    bool     `yaml:"lazy,omitempty"`
	Modules []Module `yaml:"modules"`
}

// Module is one factory of a chunk.
type Module struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
}

// Parse decodes a chunk file.
func Parse(path string, data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for i, c := range b.Chunks {
		if len(c.IDs) == 0 {
			return nil, fmt.Errorf("%s: chunk %d has no ids", path, i)
		}
		for j, m := range c.Modules {
			if m.ID == "" {
				return nil, fmt.Errorf("%s: chunk %v module %d has no id", path, c.IDs, j)
			}
		}
	}
	return &b, nil
}

// ReadFiles reads and merges chunk files concurrently, keeping their order.
func ReadFiles(ctx context.Context, paths []string) (*Bundle, error) {
	bundles := make([]*Bundle, len(paths))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, path := range paths {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			b, err := Parse(path, data)
			if err != nil {
				return err
			}
			bundles[i] = b
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := &Bundle{}
	for _, b := range bundles {
		merged.Chunks = append(merged.Chunks, b.Chunks...)
	}
	return merged, nil
}

// Sources returns every module's source keyed by id.
func (b *Bundle) Sources() map[string]string {
	out := make(map[string]string)
	for _, c := range b.Chunks {
		for _, m := range c.Modules {
			out[m.ID] = m.Source
		}
	}
	return out
}

// App is a compiled bundle ready to boot.
type App struct {
	// Eager chunks are queued before the host boots.
	Eager []*host.Chunk

	mu     sync.Mutex
	lazy   map[string]*host.Chunk
	pushed map[*host.Chunk]bool
}

// Compile compiles every module of b. Entry modules are required when their
// chunk is installed.
func (b *Bundle) Compile(c Compiler) (*App, error) {
	app := &App{
		lazy:   make(map[string]*host.Chunk),
		pushed: make(map[*host.Chunk]bool),
	}
	for _, desc := range b.Chunks {
		chunk := &host.Chunk{IDs: append([]string(nil), desc.IDs...)}
		for _, m := range desc.Modules {
			f, err := c.Factory(m.ID, m.Source)
			if err != nil {
				return nil, fmt.Errorf("chunk %v: %w", desc.IDs, err)
			}
			chunk.Factories = append(chunk.Factories, f)
		}
		if entry := desc.Entry; entry != "" {
			chunk.Entry = func(l *host.Loader) { l.Require(entry) }
		}
		if desc.Lazy {
			for _, id := range desc.IDs {
				app.lazy[id] = chunk
			}
			continue
		}
		app.Eager = append(app.Eager, chunk)
	}
	return app, nil
}

// LazyIDs returns the ids of chunks that load on demand.
func (a *App) LazyIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.lazy))
	for id := range a.lazy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Queue pushes every eager chunk onto q.
func (a *App) Queue(q *host.ChunkQueue) {
	for _, c := range a.Eager {
		q.Push(c)
	}
}

// ChunkLoader returns the loader's "e" function: it pushes the lazy chunk
// with the requested id onto the queue in slot, at most once. Chunks that
// were already loaded or are eager succeed without a push.
func (a *App) ChunkLoader(g *host.Global, slot string) host.ChunkLoaderFunc {
	return func(ctx context.Context, chunkID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.mu.Lock()
		c, ok := a.lazy[chunkID]
		if !ok {
			a.mu.Unlock()
			if a.isEager(chunkID) {
				return nil
			}
			return fmt.Errorf("unknown chunk %q", chunkID)
		}
		if a.pushed[c] {
			a.mu.Unlock()
			return nil
		}
		a.pushed[c] = true
		a.mu.Unlock()

		g.Queue(slot).Push(c)
		return nil
	}
}

func (a *App) isEager(chunkID string) bool {
	for _, c := range a.Eager {
		for _, id := range c.IDs {
			if id == chunkID {
				return true
			}
		}
	}
	return false
}

// Boot queues the eager chunks and runs the reference host bootstrap.
func (a *App) Boot(g *host.Global, proto *host.Prototype, slot, basePath string) *host.Loader {
	a.Queue(g.Queue(slot))
	return host.Boot(g, proto, host.BootOptions{
		ChunkSlot: slot,
		BasePath:  basePath,
		LoadChunk: a.ChunkLoader(g, slot),
	})
}

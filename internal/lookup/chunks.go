package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dlclark/regexp2"

	"livepatch/internal/host"
	"livepatch/internal/patcher"
)

// DefaultChunkLoadPattern captures the first lazy chunk load in a factory:
// group 1 is the chunk id list (absent for nil) and group 2 the entry module.
//
//	load([]string{"12", "34"}, "567")
const DefaultChunkLoadPattern = `\i\((?:\[\]string\{([^}]*)\}|nil),\s*"([^"]+)"\)`

// ChunkIDPattern extracts each id from the captured list.
const ChunkIDPattern = `"([^"]+)"`

var chunkIDRe = func() *regexp2.Regexp {
	re := regexp2.MustCompile(ChunkIDPattern, regexp2.None)
	re.MatchTimeout = patcher.DefaultMatchTimeout
	return re
}()

// ChunkLoad loads the chunks a module lazily depends on and requires their
// entry point. It runs at most once; later calls return the first outcome.
type ChunkLoad struct {
	r       *Resolver
	code    []string
	matcher patcher.Matcher
	factory *Deferred[*host.Factory]

	mu     sync.Mutex
	done   bool
	loaded bool
	err    error
}

// ExtractAndLoadChunks prepares a ChunkLoad for the module whose factory
// contains every literal in code. A zero matcher uses DefaultChunkLoadPattern.
func (r *Resolver) ExtractAndLoadChunks(code []string, matcher patcher.Matcher) *ChunkLoad {
	if matcher.IsZero() {
		matcher = patcher.Pattern(DefaultChunkLoadPattern)
	}
	cl := &ChunkLoad{
		r:       r,
		code:    code,
		matcher: matcher,
		factory: r.findModuleFactory(code),
	}
	r.record("extractAndLoadChunks", cl, append(quoteAll(code), matcher.String())...)
	return cl
}

// Resolved reports whether the owning factory was found.
func (cl *ChunkLoad) Resolved() bool {
	return cl.factory.Resolved()
}

// Load runs the chunk load once and reports whether the entry point was
// required. Failures are errors in development; production logs a warning
// and reports false.
func (cl *ChunkLoad) Load(ctx context.Context) (bool, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.done {
		return cl.loaded, cl.err
	}
	loaded, err := cl.load(ctx)
	if err != nil && ctx.Err() != nil {
		return false, err
	}
	cl.done = true
	cl.loaded, cl.err = loaded, cl.r.chunkError(err, cl)
	return cl.loaded, cl.err
}

func (cl *ChunkLoad) load(ctx context.Context) (bool, error) {
	f, ok := cl.factory.Value()
	if !ok || f == nil {
		return false, errors.New("couldn't find module factory")
	}

	groups, err := cl.matcher.Submatches(Code(f))
	if err != nil {
		return false, fmt.Errorf("matcher failed: %w", err)
	}
	if len(groups) < 3 {
		return false, errors.New("couldn't find chunk loading in module factory code")
	}
	rawIDs, entry := groups[1], groups[2]
	if entry == "" {
		return false, errors.New("matcher didn't return the entry point id as the second group")
	}

	l := cl.r.loader()
	if l == nil {
		return false, errors.New("loader not available")
	}
	ids, err := chunkIDs(rawIDs)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if err := l.EnsureChunk(ctx, id); err != nil {
			return false, fmt.Errorf("loading chunk %s: %w", id, err)
		}
		cl.r.chunks.Debug("Loaded chunk %s for entry %s", id, entry)
	}

	if t := l.Factories(); t == nil {
		return false, errors.New("loader has no factory table")
	} else if _, ok := t.Get(entry); !ok {
		return false, fmt.Errorf("entry point %s is not loaded in the module factories, perhaps one of the chunks failed to load", entry)
	}
	if _, err := l.TryRequire(entry); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) chunkError(err error, cl *ChunkLoad) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("extractAndLoadChunks(%v, %s): %w", cl.code, cl.matcher, err)
	if r.opts.Dev {
		return err
	}
	r.chunks.Warn("%v", err)
	return nil
}

func chunkIDs(raw string) ([]string, error) {
	var ids []string
	m, err := chunkIDRe.FindStringMatch(raw)
	for err == nil && m != nil {
		ids = append(ids, m.GroupByNumber(1).String())
		m, err = chunkIDRe.FindNextMatch(m)
	}
	return ids, err
}

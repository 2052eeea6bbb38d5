package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"livepatch/internal/chunkfile"
	"livepatch/internal/config"
	"livepatch/internal/host"
	"livepatch/internal/logging"
	"livepatch/internal/patcher"
	"livepatch/internal/patchfile"
	"livepatch/internal/runtime"
)

// inputs are the parsed chunk and patch files of one run.
type inputs struct {
	bundle  *chunkfile.Bundle
	patches []*patchfile.File
}

// readInputs parses chunk files and the patch directory concurrently.
func readInputs(ctx context.Context, chunkPaths []string, patchDir string) (*inputs, error) {
	in := &inputs{}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		b, err := chunkfile.ReadFiles(egCtx, chunkPaths)
		if err != nil {
			return fmt.Errorf("chunk files: %w", err)
		}
		in.bundle = b
		return nil
	})
	eg.Go(func() error {
		files, err := patchfile.ReadDir(egCtx, patchDir)
		if err != nil {
			return fmt.Errorf("patch files: %w", err)
		}
		in.patches = files
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// session is one booted host with a runtime attached.
type session struct {
	rt     *runtime.Runtime
	app    *chunkfile.App
	global *host.Global
	proto  *host.Prototype
	loader *host.Loader
}

// bootSession attaches a fresh runtime to a fresh host, registers patches
// and boots the bundle. extra definitions are registered after the patch
// files.
func bootSession(cfg *config.Config, logs *logging.Set, in *inputs, extra ...patcher.PatchDefinition) (*session, error) {
	rt, err := runtime.New(cfg, runtime.WithLogs(logs), runtime.WithPatches(extra...))
	if err != nil {
		return nil, err
	}
	if err := patchfile.Apply(rt.Patches(), in.patches); err != nil {
		_ = rt.Close()
		return nil, err
	}

	app, err := in.bundle.Compile(rt.Compiler())
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	s := &session{rt: rt, app: app, proto: host.NewPrototype()}
	s.global = host.NewGlobal(s.proto)
	if err := rt.Attach(s.global, s.proto); err != nil {
		_ = rt.Close()
		return nil, err
	}
	s.loader = app.Boot(s.global, s.proto, cfg.Host.ChunkSlot, cfg.Host.BasePath)
	if err := rt.Interceptor().CheckFound(); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return s, nil
}

// loadLazy pushes every lazy chunk.
func (s *session) loadLazy(ctx context.Context) error {
	for _, id := range s.app.LazyIDs() {
		if err := s.loader.EnsureChunk(ctx, id); err != nil {
			return fmt.Errorf("load chunk %s: %w", id, err)
		}
	}
	return nil
}

// requireAll instantiates every registered factory so lookups can see its
// exports. Factories that panic are skipped.
func (s *session) requireAll(log *logging.Logger) {
	for _, id := range s.loader.Factories().SortedIDs() {
		if _, err := s.loader.TryRequire(id); err != nil {
			log.Warn("Module %s failed: %v", id, err)
		}
	}
}

func (s *session) close() {
	_ = s.rt.Close()
}

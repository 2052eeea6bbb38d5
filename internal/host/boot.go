package host

// BootOptions configures the reference bootstrap sequence.
type BootOptions struct {
	ChunkSlot string
	BasePath  string
	LoadChunk ChunkLoaderFunc
}

// Boot runs the host startup sequence: assign m, c, e and then p on a new
// loader, drain chunks queued before startup, take over the queue's push and
// run the drained chunks' entries.
func Boot(g *Global, proto *Prototype, opts BootOptions) *Loader {
	l := NewLoader(proto)
	l.obj.Set(PropFactories, NewFactoryTable())
	l.obj.Set(PropCache, NewModuleCache())
	if opts.LoadChunk != nil {
		l.obj.Set(PropEnsure, opts.LoadChunk)
	}
	l.obj.Set(PropBasePath, opts.BasePath)

	q := g.Queue(opts.ChunkSlot)
	parent := q.CurrentPush()
	drained := q.Chunks()
	for _, c := range drained {
		l.install(c)
	}

	q.SetPush(func(c *Chunk) {
		l.install(c)
		parent(c)
		if c.Entry != nil {
			c.Entry(l)
		}
	})

	for _, c := range drained {
		if c.Entry != nil {
			c.Entry(l)
		}
	}
	return l
}

func (l *Loader) install(c *Chunk) {
	t := l.Factories()
	if t == nil {
		return
	}
	for _, f := range c.Factories {
		t.Set(f.ID, f)
	}
}

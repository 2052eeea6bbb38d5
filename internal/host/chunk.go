package host

// Chunk is a batch of factories registered together.
type Chunk struct {
	IDs       []string
	Factories []*Factory
	Entry     func(l *Loader)
}

// PushFunc registers a chunk.
type PushFunc func(c *Chunk)

// ChunkQueue is the array-like registration point stored on the global. Its
// push operation is replaceable; a push trap sees every replacement.
type ChunkQueue struct {
	chunks   []*Chunk
	push     PushFunc
	pushTrap func(PushFunc) PushFunc
}

// NewChunkQueue creates an empty queue whose push appends.
func NewChunkQueue() *ChunkQueue {
	return &ChunkQueue{}
}

// Push registers c through the current push function.
func (q *ChunkQueue) Push(c *Chunk) {
	q.CurrentPush()(c)
}

// CurrentPush returns the current push function.
func (q *ChunkQueue) CurrentPush() PushFunc {
	if q.push == nil {
		return q.Append
	}
	return q.push
}

// SetPush replaces the push function. An installed push trap wraps fn first.
func (q *ChunkQueue) SetPush(fn PushFunc) {
	if q.pushTrap != nil {
		fn = q.pushTrap(fn)
	}
	q.push = fn
}

// TrapPush wraps the current push function and every later replacement.
func (q *ChunkQueue) TrapPush(wrap func(PushFunc) PushFunc) {
	q.pushTrap = wrap
	q.push = wrap(q.CurrentPush())
}

// UntrapPush removes the push trap and restores inner as the push function.
func (q *ChunkQueue) UntrapPush(inner PushFunc) {
	q.pushTrap = nil
	q.push = inner
}

// Append stores c without any further processing.
func (q *ChunkQueue) Append(c *Chunk) {
	q.chunks = append(q.chunks, c)
}

// Chunks returns the registered chunks.
func (q *ChunkQueue) Chunks() []*Chunk {
	out := make([]*Chunk, len(q.chunks))
	copy(out, q.chunks)
	return out
}

// Global is the host's global object.
type Global struct {
	obj *Object
}

// NewGlobal creates a global object.
func NewGlobal(proto *Prototype) *Global {
	g := &Global{}
	g.obj = NewObject(proto, g)
	return g
}

// Object returns the global's property bag.
func (g *Global) Object() *Object {
	return g.obj
}

// Queue returns the chunk queue in slot, creating it if absent. Creation goes
// through Set so slot traps observe it.
func (g *Global) Queue(slot string) *ChunkQueue {
	if v, ok := g.obj.Get(slot); ok {
		if q, ok := v.(*ChunkQueue); ok {
			return q
		}
	}
	g.obj.Set(slot, NewChunkQueue())
	v, _ := g.obj.Get(slot)
	q, _ := v.(*ChunkQueue)
	return q
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package pool implements the render graph's resource pool: reference
// counted handles for driver buffers and images, with deferred
// destruction synchronized to the frame-in-flight that last could have
// referenced them.
package pool

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/internal/bitm"
)

// Kind identifies the category of a pool error.
type Kind int

const (
	// StaleHandle means a ResourceId's generation did not match
	// the slot's current generation.
	StaleHandle Kind = iota
	// PoolShutdown means the operation was attempted after
	// ClearAll.
	PoolShutdown
)

func (k Kind) String() string {
	switch k {
	case StaleHandle:
		return "StaleHandle"
	case PoolShutdown:
		return "PoolShutdown"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Pool and Manager operations.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return "pool: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

const invalidIdx = math.MaxUint32

// ResourceId is an opaque (slot, generation) pair identifying a
// resource registered in a Pool. Slots are recycled; the generation
// is bumped whenever a slot's resource is released, so a stale id
// fails validation instead of silently addressing a new resource.
type ResourceId struct {
	Slot uint32
	Gen  uint32
}

// Invalid is the zero value of a ResourceId flavor that never
// validates successfully.
var Invalid = ResourceId{invalidIdx, invalidIdx}

// Valid reports whether id is not the Invalid sentinel. It does not
// by itself mean the id currently resolves to a live resource.
func (id ResourceId) Valid() bool { return id.Slot != invalidIdx && id.Gen != invalidIdx }

type slot[T driver.Destroyer] struct {
	res   T
	gen   uint32
	refs  int32
	alive bool
	label string
}

// Pool manages reference-counted resources of a single kind (buffers
// or images), each identified by a generation-checked ResourceId. All
// operations are safe for concurrent use: a single mutex guards the
// slot table, matching the one-lock model the ResourcePool mandates
// because ResourcePtr-equivalents may be acquired/released from
// worker threads during asynchronous loading.
type Pool[T driver.Destroyer] struct {
	mu    sync.Mutex
	live  bitm.Bitm[uint32]
	slots []slot[T]
	kill  [][]T
	shut  bool
}

// New creates an empty Pool. framesInFlight sizes the deferred
// destruction ring: a resource released during frame index k is not
// actually destroyed until Collect(k) is called again, framesInFlight
// frames later.
func New[T driver.Destroyer](framesInFlight int) *Pool[T] {
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	return &Pool[T]{kill: make([][]T, framesInFlight)}
}

// Register stores res under a fresh or recycled slot and returns its
// id with refcount 1. label is stored with the slot; DebugString does
// not report it.
func (p *Pool[T]) Register(res T, label string) ResourceId {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		panic("pool: Register called after ClearAll")
	}
	idx, ok := p.live.Search()
	if !ok {
		idx = p.live.Grow(1)
	}
	p.live.Set(idx)
	if idx >= len(p.slots) {
		p.slots = append(p.slots, make([]slot[T], idx+1-len(p.slots))...)
	}
	sl := &p.slots[idx]
	sl.res = res
	sl.refs = 1
	sl.alive = true
	sl.label = label
	return ResourceId{Slot: uint32(idx), Gen: sl.gen}
}

// Acquire validates id and increments its refcount, returning the
// underlying resource.
func (p *Pool[T]) Acquire(id ResourceId) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if p.shut {
		return zero, &Error{PoolShutdown, errors.New("acquire after ClearAll")}
	}
	sl, err := p.check(id)
	if err != nil {
		return zero, err
	}
	sl.refs++
	return sl.res, nil
}

// Peek validates id and returns the underlying resource without
// affecting the refcount.
func (p *Pool[T]) Peek(id ResourceId) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if p.shut {
		return zero, &Error{PoolShutdown, errors.New("peek after ClearAll")}
	}
	sl, err := p.check(id)
	if err != nil {
		return zero, err
	}
	return sl.res, nil
}

// Release validates id and decrements its refcount. When the
// refcount reaches zero, the slot is freed for reuse and the
// resource is appended to the kill bucket for frameIndex, to be
// destroyed by a later matching call to Collect.
func (p *Pool[T]) Release(id ResourceId, frameIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return &Error{PoolShutdown, errors.New("release after ClearAll")}
	}
	sl, err := p.check(id)
	if err != nil {
		return err
	}
	sl.refs--
	if sl.refs > 0 {
		return nil
	}
	p.kill[frameIndex%len(p.kill)] = append(p.kill[frameIndex%len(p.kill)], sl.res)
	var zero T
	sl.res = zero
	sl.alive = false
	sl.gen++
	p.live.Unset(int(id.Slot))
	return nil
}

// Collect destroys every resource released into frameIndex's kill
// bucket and empties it. It must be called once per submitted frame,
// after the frame pacer has waited on that frame slot's fence, so
// that every resource in the bucket is guaranteed idle on the device.
func (p *Pool[T]) Collect(frameIndex int) {
	p.mu.Lock()
	i := frameIndex % len(p.kill)
	bucket := p.kill[i]
	p.kill[i] = bucket[:0]
	p.mu.Unlock()
	for _, r := range bucket {
		r.Destroy()
	}
}

// ClearAll synchronously destroys every resource regardless of
// refcount and shuts the pool down; subsequent operations other than
// Valid fail with PoolShutdown (Register panics, as it does in the
// teacher's registry-style types when used past their lifetime).
func (p *Pool[T]) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return
	}
	for i := range p.slots {
		if p.slots[i].alive {
			p.slots[i].res.Destroy()
			p.slots[i].alive = false
		}
	}
	for i := range p.kill {
		for _, r := range p.kill[i] {
			r.Destroy()
		}
		p.kill[i] = nil
	}
	p.slots = nil
	p.shut = true
}

// Len returns the number of currently live resources.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live.Len() - p.live.Rem()
}

func (p *Pool[T]) check(id ResourceId) (*slot[T], error) {
	if int(id.Slot) >= len(p.slots) || !p.slots[id.Slot].alive || p.slots[id.Slot].gen != id.Gen {
		return nil, &Error{StaleHandle, fmt.Errorf("stale resource id %+v", id)}
	}
	return &p.slots[id.Slot], nil
}

// Manager owns the two Pool instances (images and buffers) backing a
// single driver.GPU, plus convenience constructors mirroring
// original_source's create_tex2d/create_buffer free functions.
type Manager struct {
	GPU     driver.GPU
	Images  *Pool[*Image]
	Buffers *Pool[*Buffer]
}

// NewManager creates a Manager for gpu. framesInFlight matches the
// frame pacer's N.
func NewManager(gpu driver.GPU, framesInFlight int) *Manager {
	return &Manager{
		GPU:     gpu,
		Images:  New[*Image](framesInFlight),
		Buffers: New[*Buffer](framesInFlight),
	}
}

// CreateImage allocates a device image from desc and registers it.
func (m *Manager) CreateImage(desc ImageDesc, label string) (ResourceId, error) {
	samples := desc.Samples
	if samples < 1 {
		samples = 1
	}
	img, err := m.GPU.NewImage(desc.Format, desc.Extent, desc.ArrayLayers, desc.MipLevels, samples, desc.Usage)
	if err != nil {
		return Invalid, err
	}
	return m.Images.Register(newImage(m.GPU, img, desc, label), label), nil
}

// ImportImage registers an externally-owned driver.Image (e.g. a
// swapchain backbuffer) without allocating device memory for it.
func (m *Manager) ImportImage(drv driver.Image, desc ImageDesc, label string) ResourceId {
	return m.Images.Register(newImage(m.GPU, drv, desc, label), label)
}

// CreateBuffer allocates a device buffer from desc and registers it.
func (m *Manager) CreateBuffer(desc BufferDesc, label string) (ResourceId, error) {
	visible := desc.Memory != DeviceLocal
	buf, err := m.GPU.NewBuffer(desc.Size, visible, desc.Usage)
	if err != nil {
		return Invalid, err
	}
	return m.Buffers.Register(&Buffer{Driver: buf, Desc: desc, Label: label}, label), nil
}

// Collect sweeps both pools' kill buckets for frameIndex concurrently.
func (m *Manager) Collect(frameIndex int) {
	var g errgroup.Group
	g.Go(func() error { m.Images.Collect(frameIndex); return nil })
	g.Go(func() error { m.Buffers.Collect(frameIndex); return nil })
	g.Wait() //nolint:errcheck // the goroutines above never return an error
}

// ClearAll tears down both pools synchronously, for shutdown.
func (m *Manager) ClearAll() {
	m.Images.ClearAll()
	m.Buffers.ClearAll()
}

// DebugString returns a one-line, human-readable summary of how many
// slots, live or free, the image and buffer pools hold. It does not
// list individual resources or their labels.
func (m *Manager) DebugString() string {
	m.Images.mu.Lock()
	imgs := len(m.Images.slots)
	m.Images.mu.Unlock()
	m.Buffers.mu.Lock()
	bufs := len(m.Buffers.slots)
	m.Buffers.mu.Unlock()
	return fmt.Sprintf("pool: %d image slot(s), %d buffer slot(s)", imgs, bufs)
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package graph implements the render graph's public façade (spec
// §4.F): the orchestrator that ties the resource pool, shader cache,
// descriptor binder, frame pacer and tracker together into a single
// create/declare/submit API, grounded in shape on
// original_source/framegraph.hpp's RenderGraph class.
package graph

import (
	"fmt"

	"github.com/tesseract-gfx/rendergraph/binder"
	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/pacer"
	"github.com/tesseract-gfx/rendergraph/pool"
	"github.com/tesseract-gfx/rendergraph/shader"
	"github.com/tesseract-gfx/rendergraph/track"
	"github.com/tesseract-gfx/rendergraph/wsi"
)

// ImageId and BufferId are the public names for the ids create_image
// and create_buffer hand back (spec §4.F).
type (
	ImageId  = pool.ResourceId
	BufferId = pool.ResourceId
)

// ImageViewId names a range of an image (spec §6's ImageViewId), as
// captured by a task's setup function and later resolved by
// RenderResources.GetView during recording.
type ImageViewId struct {
	Image ImageId
	Key   pool.ViewKey
}

// ImageInfo is the resolution/format information spec §4.F's
// get_descriptor returns.
type ImageInfo struct {
	Format      driver.PixelFmt
	Width       int
	Height      int
	Depth       int
	MipLevels   int
	ArrayLayers int
}

type task struct {
	name              string
	record            func(*RenderResources, *CmdContext)
	prepareBackbuffer bool
}

// Graph is the render-graph orchestrator. One Graph is created per
// renderer instance and reused across frames; tasks are queued with
// AddTask and consumed by Submit.
type Graph struct {
	mgr     *pool.Manager
	cache   *shader.Cache
	tracker *track.Tracker
	pacer   *pacer.Pacer
	ubo     *pacer.UBOPool

	framesInFlight int

	alias map[ImageId]ImageId

	backbuffer   ImageId
	scImageIds   []ImageId
	scViews      []driver.ImageView
	bbFormat     driver.PixelFmt
	bbW, bbH     int

	tasks   []task
	binders map[*shader.Program]*binder.Binder

	nextVirtual uint32
}

const virtualSlotBase = 0xF000_0000

func newGraph(mgr *pool.Manager, cache *shader.Cache, tracker *track.Tracker, p *pacer.Pacer, ubo *pacer.UBOPool, framesInFlight int) *Graph {
	return &Graph{
		mgr:            mgr,
		cache:          cache,
		tracker:        tracker,
		pacer:          p,
		ubo:            ubo,
		framesInFlight: framesInFlight,
		alias:          make(map[ImageId]ImageId),
		binders:        make(map[*shader.Program]*binder.Binder),
	}
}

func (g *Graph) newVirtualId() ImageId {
	id := ImageId{Slot: virtualSlotBase + g.nextVirtual, Gen: 0}
	g.nextVirtual++
	return id
}

// NewOffscreen creates a Graph with no swapchain; get_backbuffer is
// unavailable (it panics if called, matching the teacher's style of
// fail-fast "programmer bug" boundaries for API misuse, e.g.
// pool.Pool.Register after ClearAll).
func NewOffscreen(gpu driver.GPU, framesInFlight int) (*Graph, error) {
	p, err := pacer.New(gpu, nil, framesInFlight)
	if err != nil {
		return nil, err
	}
	ubo, err := pacer.NewUBOPool(gpu, framesInFlight, 4<<20)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	mgr := pool.NewManager(gpu, framesInFlight)
	cache := shader.NewCache(gpu)
	tr := track.New()
	return newGraph(mgr, cache, tr, p, ubo, framesInFlight), nil
}

// NewOnscreen creates a Graph targeting win's swapchain. The returned
// Graph's GetBackbuffer id resolves, every frame, to whichever
// swapchain image Submit's internal remap (spec §4.F step 3) selects.
func NewOnscreen(gpu driver.GPU, win wsi.Window, framesInFlight int) (*Graph, error) {
	sc, err := pacer.NewSwapchain(gpu, win, framesInFlight)
	if err != nil {
		return nil, err
	}
	p, err := pacer.New(gpu, sc, framesInFlight)
	if err != nil {
		return nil, err
	}
	ubo, err := pacer.NewUBOPool(gpu, framesInFlight, 4<<20)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	mgr := pool.NewManager(gpu, framesInFlight)
	cache := shader.NewCache(gpu)
	tr := track.New()
	g := newGraph(mgr, cache, tr, p, ubo, framesInFlight)

	views := sc.Views()
	g.scViews = views
	g.scImageIds = make([]ImageId, len(views))
	for i := range views {
		g.scImageIds[i] = g.newVirtualId()
	}
	if len(g.scImageIds) == 0 {
		return nil, fmt.Errorf("graph: swapchain has no images")
	}
	g.backbuffer = g.scImageIds[0]
	g.tracker.RegisterImage(g.backbuffer, 1, 1, track.ImageOptions{})
	g.bbFormat = sc.Format()
	g.bbW, g.bbH = win.Width(), win.Height()
	return g, nil
}

// FramesInFlight returns N, the concurrent-frames parameter.
func (g *Graph) FramesInFlight() int { return g.framesInFlight }

// CreateImage allocates and registers an image, beginning tracking
// for it.
func (g *Graph) CreateImage(desc pool.ImageDesc, opts track.ImageOptions, label string) (ImageId, error) {
	id, err := g.mgr.CreateImage(desc, label)
	if err != nil {
		return pool.Invalid, err
	}
	g.tracker.RegisterImage(id, maxi(desc.MipLevels, 1), maxi(desc.ArrayLayers, 1), opts)
	return id, nil
}

// ImportImage registers an externally-owned driver.Image (e.g. a
// render target imported from outside this module) and begins
// tracking it.
func (g *Graph) ImportImage(img driver.Image, desc pool.ImageDesc, opts track.ImageOptions, label string) ImageId {
	id := g.mgr.ImportImage(img, desc, label)
	g.tracker.RegisterImage(id, maxi(desc.MipLevels, 1), maxi(desc.ArrayLayers, 1), opts)
	return id
}

// CreateBuffer allocates and registers a buffer, beginning tracking
// for it.
func (g *Graph) CreateBuffer(desc pool.BufferDesc, label string) (BufferId, error) {
	id, err := g.mgr.CreateBuffer(desc, label)
	if err != nil {
		return pool.Invalid, err
	}
	g.tracker.RegisterBuffer(id)
	return id, nil
}

// ReleaseImage releases a reference to id, deferring destruction to
// the frame-in-flight bucket matching the pacer's current frame
// index.
func (g *Graph) ReleaseImage(id ImageId) error {
	if err := g.mgr.Images.Release(id, g.pacer.FrameIndex()); err != nil {
		return err
	}
	g.tracker.UnregisterImage(id)
	return nil
}

// ReleaseBuffer releases a reference to id (see ReleaseImage).
func (g *Graph) ReleaseBuffer(id BufferId) error {
	if err := g.mgr.Buffers.Release(id, g.pacer.FrameIndex()); err != nil {
		return err
	}
	g.tracker.UnregisterBuffer(id)
	return nil
}

// GetBackbuffer returns the stable id tasks declare uses against for
// the swapchain's current image (spec §4.F). It panics if this Graph
// was created with NewOffscreen.
func (g *Graph) GetBackbuffer() ImageId {
	if len(g.scImageIds) == 0 {
		panic("graph: GetBackbuffer called on an offscreen Graph")
	}
	return g.backbuffer
}

// GetDescriptor returns the resolution/format of id's backing image.
func (g *Graph) GetDescriptor(id ImageId) (ImageInfo, error) {
	if _, ok := g.virtualIndex(g.resolve(id)); ok {
		return ImageInfo{Format: g.bbFormat, Width: g.bbW, Height: g.bbH, Depth: 1, MipLevels: 1, ArrayLayers: 1}, nil
	}
	img, err := g.mgr.Images.Peek(id)
	if err != nil {
		return ImageInfo{}, err
	}
	return ImageInfo{
		Format:      img.Desc.Format,
		Width:       img.Desc.Extent.Width,
		Height:      img.Desc.Extent.Height,
		Depth:       img.Desc.Extent.Depth,
		MipLevels:   maxi(img.Desc.MipLevels, 1),
		ArrayLayers: maxi(img.Desc.ArrayLayers, 1),
	}, nil
}

// Remap updates the orchestrator's resolution alias so that lookups
// of a now resolve to b's backing resource (spec §4.E "remap").
// Tracking state keyed by a's subresource ids continues to apply.
func (g *Graph) Remap(a, b ImageId) { g.alias[a] = b }

// Unmap restores a's identity, undoing a prior Remap.
func (g *Graph) Unmap(a ImageId) { delete(g.alias, a) }

// ResetImageState overrides a subresource's tracked state without
// emitting a barrier (SPEC_FULL.md §C.2).
func (g *Graph) ResetImageState(id ImageId, mip, layer int, state track.ImageState) error {
	return g.tracker.ResetImageState(id, mip, layer, state)
}

// ResetBufferState overrides a buffer's tracked state without
// emitting a barrier (SPEC_FULL.md §C.2).
func (g *Graph) ResetBufferState(id BufferId, state track.BufferState) error {
	return g.tracker.ResetBufferState(id, state)
}

// Binder returns the persistent binder.Binder for program, creating
// it on first request. The same Binder instance is reused across
// frames: its internal heap already rotates copies by frame index
// (binder.Binder.Flush), so there is no "allocate a fresh descriptor
// set" step at this layer (SPEC_FULL.md §C.6).
func (g *Graph) Binder(p *shader.Program) (*binder.Binder, error) {
	if b, ok := g.binders[p]; ok {
		return b, nil
	}
	b, err := binder.New(g.cache, p, g.framesInFlight)
	if err != nil {
		return nil, err
	}
	g.binders[p] = b
	return b, nil
}

// Cache returns the shader.Cache backing this graph's pipelines.
func (g *Graph) Cache() *shader.Cache { return g.cache }

// Manager returns the pool.Manager backing this graph's resources.
func (g *Graph) Manager() *pool.Manager { return g.mgr }

// BeginFrame starts a new frame's task declarations (spec §4.F step
// 1). It must be called once before the frame's AddTask calls, and
// resets any DiscardEachFrame image's tracked state; tracked state for
// other resources carries over from the previous frame unchanged.
func (g *Graph) BeginFrame() {
	g.tracker.BeginFrame()
	g.tasks = g.tasks[:0]
}

// AddTask queues a task (spec §4.F's add_task). setup declares the
// task's resource uses against a Builder; record is invoked at Submit
// time once this task's barriers have been emitted. Both closures are
// expected to share a task-local data value by capture, which is how
// this Go rendition realizes spec §6's "polymorphic over a per-task
// data structure" without a generic Task[T] type threaded through the
// whole package.
func (g *Graph) AddTask(name string, setup func(*Builder), record func(*RenderResources, *CmdContext)) {
	idx := len(g.tasks)
	g.tasks = append(g.tasks, task{name: name, record: record})
	b := &Builder{g: g, idx: idx}
	setup(b)
	g.tasks[idx].prepareBackbuffer = b.prepareBackbuffer
}

// Destroy releases every driver object this Graph owns, including the
// resource pool, shader cache, pacer and swapchain.
func (g *Graph) Destroy() {
	g.cache.Destroy()
	g.mgr.ClearAll()
	g.ubo.Destroy()
	g.pacer.Destroy()
}

func (g *Graph) resolve(id ImageId) ImageId {
	for {
		r, ok := g.alias[id]
		if !ok {
			return id
		}
		id = r
	}
}

func (g *Graph) virtualIndex(id ImageId) (int, bool) {
	for i, v := range g.scImageIds {
		if v == id {
			return i, true
		}
	}
	return 0, false
}

func (g *Graph) viewForSubresource(id ImageId, mip, layer int) (driver.ImageView, error) {
	resolved := g.resolve(id)
	if idx, ok := g.virtualIndex(resolved); ok {
		return g.scViews[idx], nil
	}
	img, err := g.mgr.Images.Peek(resolved)
	if err != nil {
		return nil, err
	}
	return img.View(pool.ViewKey{
		Type:      driver.IView2D,
		Aspect:    img.Desc.Aspect,
		BaseLayer: layer,
		Layers:    1,
		BaseLevel: mip,
		Levels:    1,
	})
}

func maxi(a, b int) int {
	if a > b {
		return a
	}
	return b
}

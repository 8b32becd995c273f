// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package shader

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// FixedState carries the non-programmable portion of a graphics
// pipeline: everything driver.GraphState needs besides the shader
// functions, descriptor table and render pass.
type FixedState struct {
	Input    []driver.VertexIn
	Topology driver.Topology
	Raster   driver.RasterState
	Samples  int
	DS       driver.DSState
	Blend    driver.BlendState
}

// GraphicsKey identifies one interned graphics pipeline. Graphics
// pipelines are keyed by (program, vertex-input, render-subpass,
// fixed-state) because the same program can be drawn with different
// vertex layouts, into different subpasses, with different
// rasterization/blend state (spec §4.B). The three non-program
// components are caller-assigned identifiers — typically a name or a
// hash the caller already uses to distinguish these objects — rather
// than identifiers this package invents.
type GraphicsKey struct {
	Program     string
	VertexInput string
	Subpass     string
	FixedState  string
}

// Cache interns descriptor-set layouts (driver.DescHeap), descriptor
// tables (driver.DescTable) and pipelines (driver.Pipeline) built from
// Programs, so that programs sharing identical bindings or fixed
// state reuse the same GPU objects. Algorithm grounded on the
// render-pass cache pattern (double-checked locking over a
// content-addressed map), adapted here from image/sampler caching
// (pool.Image.View) to pipeline caching.
type Cache struct {
	gpu driver.GPU

	mu             sync.RWMutex
	heaps          map[string]driver.DescHeap
	tables         map[string]driver.DescTable
	progHeaps      map[string][]driver.DescHeap
	compPipelines  map[string]driver.Pipeline
	graphPipelines map[GraphicsKey]driver.Pipeline
}

// NewCache creates an empty pipeline cache bound to gpu.
func NewCache(gpu driver.GPU) *Cache {
	return &Cache{
		gpu:            gpu,
		heaps:          make(map[string]driver.DescHeap),
		tables:         make(map[string]driver.DescTable),
		progHeaps:      make(map[string][]driver.DescHeap),
		compPipelines:  make(map[string]driver.Pipeline),
		graphPipelines: make(map[GraphicsKey]driver.Pipeline),
	}
}

func heapKey(ds []driver.Descriptor) string {
	var b strings.Builder
	for _, d := range ds {
		fmt.Fprintf(&b, "%d:%d:%d:%d|", d.Type, d.Stages, d.Nr, d.Len)
	}
	return b.String()
}

func (c *Cache) heapFor(ds []driver.Descriptor) (driver.DescHeap, error) {
	k := heapKey(ds)
	c.mu.RLock()
	h, ok := c.heaps[k]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.heaps[k]; ok {
		return h, nil
	}
	h, err := c.gpu.NewDescHeap(ds)
	if err != nil {
		return nil, err
	}
	c.heaps[k] = h
	return h, nil
}

func (c *Cache) tableFor(p *Program) (driver.DescTable, error) {
	c.mu.RLock()
	t, ok := c.tables[p.Label]
	c.mu.RUnlock()
	if ok {
		return t, nil
	}
	heaps := make([]driver.DescHeap, len(p.Sets))
	for i, s := range p.Sets {
		h, err := c.heapFor(s)
		if err != nil {
			return nil, err
		}
		heaps[i] = h
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[p.Label]; ok {
		return t, nil
	}
	t, err := c.gpu.NewDescTable(heaps)
	if err != nil {
		return nil, err
	}
	c.tables[p.Label] = t
	c.progHeaps[p.Label] = heaps
	return t, nil
}

// Compute returns the (lazily built, then cached) compute pipeline
// for p, which must contain exactly one SCompute module.
func (c *Cache) Compute(p *Program) (driver.Pipeline, error) {
	if len(p.Modules) != 1 || p.Modules[0].Stage != driver.SCompute {
		return nil, &Error{IncompletePipeline, fmt.Errorf("program %q is not a single-stage compute program", p.Label)}
	}
	c.mu.RLock()
	pl, ok := c.compPipelines[p.Label]
	c.mu.RUnlock()
	if ok {
		return pl, nil
	}
	table, err := c.tableFor(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pl, ok := c.compPipelines[p.Label]; ok {
		return pl, nil
	}
	state := &driver.CompState{Func: p.Modules[0].Func(), Desc: table}
	pl, err = c.gpu.NewPipeline(state)
	if err != nil {
		return nil, err
	}
	c.compPipelines[p.Label] = pl
	return pl, nil
}

// Graphics returns the (lazily built, then cached) graphics pipeline
// identified by key, built from p's vertex and fragment modules, fs
// and pass/subpass.
func (c *Cache) Graphics(p *Program, pass driver.RenderPass, subpass int, fs FixedState, key GraphicsKey) (driver.Pipeline, error) {
	var vert, frag driver.ShaderFunc
	for _, m := range p.Modules {
		switch m.Stage {
		case driver.SVertex:
			vert = m.Func()
		case driver.SFragment:
			frag = m.Func()
		}
	}
	if vert.Code == nil || frag.Code == nil {
		return nil, &Error{IncompletePipeline, fmt.Errorf("program %q is missing a vertex or fragment module", p.Label)}
	}
	c.mu.RLock()
	pl, ok := c.graphPipelines[key]
	c.mu.RUnlock()
	if ok {
		return pl, nil
	}
	table, err := c.tableFor(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pl, ok := c.graphPipelines[key]; ok {
		return pl, nil
	}
	state := &driver.GraphState{
		VertFunc: vert,
		FragFunc: frag,
		Desc:     table,
		Input:    fs.Input,
		Topology: fs.Topology,
		Raster:   fs.Raster,
		Samples:  fs.Samples,
		DS:       fs.DS,
		Blend:    fs.Blend,
		Pass:     pass,
		Subpass:  subpass,
	}
	pl, err = c.gpu.NewPipeline(state)
	if err != nil {
		return nil, err
	}
	c.graphPipelines[key] = pl
	return pl, nil
}

// TableHeaps returns the driver.DescTable and its underlying, per-set
// driver.DescHeap objects for p, creating them if this is the first
// request (mirrors tableFor/heapFor's lazy build). The binder package
// uses this to write staged bindings directly into a program's heaps
// without this cache needing to know anything about staging.
func (c *Cache) TableHeaps(p *Program) (driver.DescTable, []driver.DescHeap, error) {
	t, err := c.tableFor(p)
	if err != nil {
		return nil, nil, err
	}
	c.mu.RLock()
	heaps := c.progHeaps[p.Label]
	c.mu.RUnlock()
	return t, heaps, nil
}

// Reload re-reflects and re-creates the driver.ShaderCode of every
// module in progs, in parallel, then discards the pipelines and
// descriptor tables built from them so that the next Compute/Graphics
// call rebuilds from the refreshed modules. Interned descriptor-set
// heaps are left in place: a heap is addressed by its descriptor
// content, which reload does not change, so other programs sharing it
// are unaffected.
//
// The caller must ensure no in-flight command buffer references the
// pipelines being reloaded — this package has no visibility into the
// GPU's submission queue, so that is the pacer's responsibility (spec
// §4.D), not this cache's.
func (c *Cache) Reload(progs ...*Program) error {
	var g errgroup.Group
	for _, p := range progs {
		for _, m := range p.Modules {
			m := m
			g.Go(func() error { return m.reload(c.gpu) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range progs {
		if pl, ok := c.compPipelines[p.Label]; ok {
			pl.Destroy()
			delete(c.compPipelines, p.Label)
		}
		for k, pl := range c.graphPipelines {
			if k.Program == p.Label {
				pl.Destroy()
				delete(c.graphPipelines, k)
			}
		}
		if t, ok := c.tables[p.Label]; ok {
			t.Destroy()
			delete(c.tables, p.Label)
		}
		delete(c.progHeaps, p.Label)
	}
	return nil
}

// Destroy releases every GPU object the cache owns.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pl := range c.compPipelines {
		pl.Destroy()
	}
	for _, pl := range c.graphPipelines {
		pl.Destroy()
	}
	for _, t := range c.tables {
		t.Destroy()
	}
	for _, h := range c.heaps {
		h.Destroy()
	}
	c.compPipelines = make(map[string]driver.Pipeline)
	c.graphPipelines = make(map[GraphicsKey]driver.Pipeline)
	c.tables = make(map[string]driver.DescTable)
	c.progHeaps = make(map[string][]driver.DescHeap)
	c.heaps = make(map[string]driver.DescHeap)
}

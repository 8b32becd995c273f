// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"testing"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/pool"
	"github.com/tesseract-gfx/rendergraph/track"
)

// --- minimal fakes exercising the Graph end-to-end (AddTask -> Submit)

type fakeImage struct{ driver.Image }

func (*fakeImage) Destroy() {}
func (*fakeImage) NewView(driver.ViewType, int, int, int, int) (driver.ImageView, error) {
	return &fakeView{}, nil
}

type fakeView struct{ driver.ImageView }

func (*fakeView) Destroy() {}

type fakeBuffer struct {
	driver.Buffer
	data []byte
}

func (*fakeBuffer) Destroy()      {}
func (*fakeBuffer) Visible() bool { return true }
func (b *fakeBuffer) Bytes() []byte { return b.data }
func (b *fakeBuffer) Cap() int64    { return int64(len(b.data)) }

type fakeCmd struct {
	driver.CmdBuffer
	transitions [][]driver.Transition
	barriers    [][]driver.Barrier
	began, ended bool
}

func (c *fakeCmd) Destroy()     {}
func (c *fakeCmd) Reset() error { return nil }
func (c *fakeCmd) Begin() error { c.began = true; return nil }
func (c *fakeCmd) End() error   { c.ended = true; return nil }
func (c *fakeCmd) Transition(t []driver.Transition) {
	c.transitions = append(c.transitions, append([]driver.Transition(nil), t...))
}
func (c *fakeCmd) Barrier(b []driver.Barrier) {
	c.barriers = append(c.barriers, append([]driver.Barrier(nil), b...))
}

type fakeGPU struct {
	driver.GPU
	cmd         *fakeCmd
	commitCalls int
}

func (g *fakeGPU) NewCmdBuffer() (driver.CmdBuffer, error) {
	// Keep the first buffer: it is the one the pacer records frame 0 into.
	c := &fakeCmd{}
	if g.cmd == nil {
		g.cmd = c
	}
	return c, nil
}

func (g *fakeGPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	return &fakeBuffer{data: make([]byte, size)}, nil
}

func (g *fakeGPU) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &fakeImage{}, nil
}

func (g *fakeGPU) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	g.commitCalls++
	ch <- nil
}

func newTestGraph(t *testing.T) (*Graph, *fakeGPU) {
	t.Helper()
	gpu := &fakeGPU{}
	g, err := NewOffscreen(gpu, 2)
	if err != nil {
		t.Fatalf("NewOffscreen:\nhave err %v\nwant nil", err)
	}
	return g, gpu
}

func TestSubmitZeroTasksAdvancesFrame(t *testing.T) {
	g, gpu := newTestGraph(t)
	defer g.Destroy()
	g.BeginFrame()
	if err := g.Submit(); err != nil {
		t.Fatalf("Submit:\nhave err %v\nwant nil", err)
	}
	if gpu.commitCalls != 1 {
		t.Fatalf("Submit: Commit calls\nhave %d\nwant 1", gpu.commitCalls)
	}
}

func TestSubmitEmitsBarrierBetweenWriteAndRead(t *testing.T) {
	g, gpu := newTestGraph(t)
	defer g.Destroy()

	img, err := g.CreateImage(pool.ImageDesc{
		Format:      driver.RGBA8un,
		Extent:      driver.Dim3D{Width: 64, Height: 64, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
	}, track.ImageOptions{}, "test-image")
	if err != nil {
		t.Fatalf("CreateImage:\nhave err %v\nwant nil", err)
	}

	g.BeginFrame()
	g.AddTask("write", func(b *Builder) {
		if _, err := b.UseStorageImage(img, 0, 0, driver.SCompute); err != nil {
			t.Fatalf("UseStorageImage:\nhave err %v\nwant nil", err)
		}
	}, nil)
	g.AddTask("read", func(b *Builder) {
		if _, err := b.SampleImage(img, 0, 1, 0, 1, driver.SFragment); err != nil {
			t.Fatalf("SampleImage:\nhave err %v\nwant nil", err)
		}
	}, nil)

	if err := g.Submit(); err != nil {
		t.Fatalf("Submit:\nhave err %v\nwant nil", err)
	}

	var totalTransitions int
	for _, batch := range gpu.cmd.transitions {
		totalTransitions += len(batch)
	}
	// Spec S1: exactly one transition on the edge between the write and
	// the read. The write is the subresource's first use, so task 0 is
	// preceded by its acquire transition: two transitions in the frame,
	// and the second one is the edge between task 0 and task 1.
	if totalTransitions != 2 {
		t.Fatalf("Submit: total image transitions\nhave %d\nwant 2", totalTransitions)
	}
	trans := gpu.cmd.transitions[1][0]
	if trans.Barrier.SyncBefore&driver.SComputeShading == 0 {
		t.Fatalf("Submit: transition SyncBefore\nhave %v\nwant SComputeShading set", trans.Barrier.SyncBefore)
	}
	if trans.Barrier.SyncAfter&driver.SFragmentShading == 0 {
		t.Fatalf("Submit: transition SyncAfter\nhave %v\nwant SFragmentShading set", trans.Barrier.SyncAfter)
	}
}

func TestSubmitMergesTwoReadsWithNoBarrierBetween(t *testing.T) {
	g, gpu := newTestGraph(t)
	defer g.Destroy()

	img, err := g.CreateImage(pool.ImageDesc{
		Format:      driver.RGBA8un,
		Extent:      driver.Dim3D{Width: 64, Height: 64, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
	}, track.ImageOptions{}, "test-image")
	if err != nil {
		t.Fatalf("CreateImage:\nhave err %v\nwant nil", err)
	}

	g.BeginFrame()
	g.AddTask("read-a", func(b *Builder) {
		b.SampleImage(img, 0, 1, 0, 1, driver.SFragment)
	}, nil)
	g.AddTask("read-b", func(b *Builder) {
		b.SampleImage(img, 0, 1, 0, 1, driver.SCompute)
	}, nil)

	if err := g.Submit(); err != nil {
		t.Fatalf("Submit:\nhave err %v\nwant nil", err)
	}

	var totalTransitions int
	for _, batch := range gpu.cmd.transitions {
		totalTransitions += len(batch)
	}
	if totalTransitions != 1 {
		t.Fatalf("Submit: merged reads should not emit an inter-task barrier\nhave %d transitions\nwant 1 (the acquire before task 0)", totalTransitions)
	}
}

func TestSubmitUnknownResourceFails(t *testing.T) {
	g, _ := newTestGraph(t)
	defer g.Destroy()

	bogus := ImageId{Slot: 0xBAD, Gen: 0}
	g.BeginFrame()
	var setupErr error
	g.AddTask("bad", func(b *Builder) {
		_, setupErr = b.UseStorageImage(bogus, 0, 0, driver.SCompute)
	}, nil)
	if setupErr == nil {
		t.Fatalf("UseStorageImage(unregistered image):\nhave nil error\nwant error")
	}
}

func TestRemapRedirectsLookup(t *testing.T) {
	g, _ := newTestGraph(t)
	defer g.Destroy()

	a, err := g.CreateImage(pool.ImageDesc{
		Format: driver.RGBA8un, Extent: driver.Dim3D{Width: 8, Height: 8, Depth: 1}, MipLevels: 1, ArrayLayers: 1,
	}, track.ImageOptions{}, "a")
	if err != nil {
		t.Fatalf("CreateImage(a):\nhave err %v\nwant nil", err)
	}
	b, err := g.CreateImage(pool.ImageDesc{
		Format: driver.RGBA8un, Extent: driver.Dim3D{Width: 8, Height: 8, Depth: 1}, MipLevels: 1, ArrayLayers: 1,
	}, track.ImageOptions{}, "b")
	if err != nil {
		t.Fatalf("CreateImage(b):\nhave err %v\nwant nil", err)
	}

	g.Remap(a, b)
	if g.resolve(a) != b {
		t.Fatalf("Remap: resolve(a)\nhave %v\nwant %v", g.resolve(a), b)
	}
	g.Unmap(a)
	if g.resolve(a) != a {
		t.Fatalf("Unmap: resolve(a)\nhave %v\nwant %v (identity restored)", g.resolve(a), a)
	}
}

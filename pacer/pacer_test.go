// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pacer

import (
	"errors"
	"testing"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// fakeCmd only exercises the methods Pacer touches; anything else
// panics via the embedded nil interface (same trick used throughout
// this module's _test.go files).
type fakeCmd struct {
	driver.CmdBuffer
	resetCalls, beginCalls, endCalls int
}

func (c *fakeCmd) Destroy()     {}
func (c *fakeCmd) Reset() error { c.resetCalls++; return nil }
func (c *fakeCmd) Begin() error { c.beginCalls++; return nil }
func (c *fakeCmd) End() error   { c.endCalls++; return nil }

type fakeGPU struct {
	driver.GPU
	cmds        []*fakeCmd
	commitCalls int
}

func (g *fakeGPU) NewCmdBuffer() (driver.CmdBuffer, error) {
	c := &fakeCmd{}
	g.cmds = append(g.cmds, c)
	return c, nil
}

func (g *fakeGPU) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	g.commitCalls++
	ch <- nil
}

type fakeSwapchain struct {
	driver.Swapchain
	nextIdx    int
	nextErr    error
	presentErr error
	nextCalls  int
	presentCalls int
}

func (s *fakeSwapchain) Next(cb driver.CmdBuffer) (int, error) {
	s.nextCalls++
	return s.nextIdx, s.nextErr
}

func (s *fakeSwapchain) Present(index int, cb driver.CmdBuffer) error {
	s.presentCalls++
	return s.presentErr
}

func (s *fakeSwapchain) Destroy() {}

func TestBeginWaitsOnSlotAndResetsCmdBuffer(t *testing.T) {
	gpu := &fakeGPU{}
	p, err := New(gpu, nil, 2)
	if err != nil {
		t.Fatalf("New:\nhave err %v\nwant nil", err)
	}
	cb, slot, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin:\nhave err %v\nwant nil", err)
	}
	if slot != 0 {
		t.Fatalf("Begin: slot\nhave %d\nwant 0", slot)
	}
	fc := cb.(*fakeCmd)
	if fc.resetCalls != 1 || fc.beginCalls != 1 {
		t.Fatalf("Begin: reset/begin calls\nhave %d/%d\nwant 1/1", fc.resetCalls, fc.beginCalls)
	}
}

func TestSubmitAdvancesFrameIndexAndCommits(t *testing.T) {
	gpu := &fakeGPU{}
	p, _ := New(gpu, nil, 2)
	cb, _, _ := p.Begin()
	if err := p.Submit(cb, false); err != nil {
		t.Fatalf("Submit:\nhave err %v\nwant nil", err)
	}
	if p.FrameIndex() != 1 {
		t.Fatalf("Submit: FrameIndex\nhave %d\nwant 1", p.FrameIndex())
	}
	if gpu.commitCalls != 1 {
		t.Fatalf("Submit: Commit calls\nhave %d\nwant 1", gpu.commitCalls)
	}
}

func TestBeginReusesSlotOnlyAfterItsFenceSignals(t *testing.T) {
	gpu := &fakeGPU{}
	p, _ := New(gpu, nil, 1)
	cb, slot0, _ := p.Begin()
	p.Submit(cb, false)
	// The same slot is reused on the next frame (framesInFlight==1);
	// Begin must not block forever since Submit's Commit call already
	// delivered to the slot's channel.
	cb2, slot1, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin (2nd):\nhave err %v\nwant nil", err)
	}
	if slot0 != slot1 {
		t.Fatalf("Begin: expected slot reuse with framesInFlight=1")
	}
	if cb2 != cb {
		t.Fatalf("Begin: expected the same command buffer object back for the reused slot")
	}
}

func TestSubmitWithPresentCallsSwapchainPresent(t *testing.T) {
	gpu := &fakeGPU{}
	sc := &fakeSwapchain{}
	p, err := New(gpu, sc, 2)
	if err != nil {
		t.Fatalf("New:\nhave err %v\nwant nil", err)
	}
	cb, _, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin:\nhave err %v\nwant nil", err)
	}
	if sc.nextCalls != 1 {
		t.Fatalf("Begin: Swapchain.Next calls\nhave %d\nwant 1", sc.nextCalls)
	}
	if err := p.Submit(cb, true); err != nil {
		t.Fatalf("Submit:\nhave err %v\nwant nil", err)
	}
	if sc.presentCalls != 1 {
		t.Fatalf("Submit: Swapchain.Present calls\nhave %d\nwant 1", sc.presentCalls)
	}
}

func TestBeginReportsSurfaceStaleOnSwapchainError(t *testing.T) {
	gpu := &fakeGPU{}
	sc := &fakeSwapchain{nextErr: driver.ErrSwapchain}
	p, _ := New(gpu, sc, 2)
	_, _, err := p.Begin()
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != SurfaceStale {
		t.Fatalf("Begin (swapchain stale):\nhave err %v\nwant *Error{Kind: SurfaceStale}", err)
	}
}

func TestSubmitPresentOnOffscreenPacerErrors(t *testing.T) {
	gpu := &fakeGPU{}
	p, _ := New(gpu, nil, 1)
	cb, _, _ := p.Begin()
	if err := p.Submit(cb, true); err == nil {
		t.Fatalf("Submit(present=true, offscreen):\nhave nil error\nwant error")
	}
}

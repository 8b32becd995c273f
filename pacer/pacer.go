// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package pacer implements the render graph's frame pacer: the
// N-buffered rotation of command buffers and the acquire/record/
// submit/present sequence each frame drives (spec §4.D).
//
// Grounded on the teacher's engine.Renderer (engine/renderer.go): a
// fixed array of per-frame-in-flight command buffers plus a channel
// used as a token pool gating reuse of a slot until the GPU reports
// the previous occupant done. The teacher's channel carries
// *driver.WorkItem; this driver's GPU.Commit(cb, ch chan<- error) has
// no WorkItem type, so the channel here carries the completion error
// directly, one per frame slot, and plays the role of the fence the
// spec describes: waiting to receive from slot k's channel is
// "wait on fence[k], then reset it".
package pacer

import (
	"errors"
	"log"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/wsi"
)

// Kind identifies the category of a pacer error.
type Kind int

const (
	// SurfaceStale means the swapchain was out-of-date or suboptimal
	// on acquire or present; the caller must call Recreate and retry
	// Begin.
	SurfaceStale Kind = iota
	// DeviceFailure means a fence-equivalent wait reported a fatal,
	// unrecoverable GPU error.
	DeviceFailure
	// TransferOverflow means a UBOPool allocation would exceed the
	// frame's budget.
	TransferOverflow
)

func (k Kind) String() string {
	switch k {
	case SurfaceStale:
		return "SurfaceStale"
	case DeviceFailure:
		return "DeviceFailure"
	case TransferOverflow:
		return "TransferOverflow"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Pacer operations.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return "pacer: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Pacer owns the command buffers, completion channels and swapchain
// used to drive one frame-in-flight rotation (spec §4.D).
type Pacer struct {
	gpu driver.GPU
	sc  driver.Swapchain // nil for an offscreen Pacer

	cb   []driver.CmdBuffer
	done []chan error

	frameIndex     int
	backbufferIdx  int
	framesInFlight int
}

// New creates a Pacer with framesInFlight command buffers. If sc is
// non-nil, Begin acquires from it and Submit can present to it;
// otherwise the Pacer drives an offscreen sequence with no
// presentation (spec §4.D's begin/submit apply unchanged, minus the
// acquire/present steps).
func New(gpu driver.GPU, sc driver.Swapchain, framesInFlight int) (*Pacer, error) {
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	p := &Pacer{gpu: gpu, sc: sc, framesInFlight: framesInFlight}
	p.cb = make([]driver.CmdBuffer, framesInFlight)
	p.done = make([]chan error, framesInFlight)
	for i := range p.cb {
		cb, err := gpu.NewCmdBuffer()
		if err != nil {
			p.Destroy()
			return nil, err
		}
		p.cb[i] = cb
		// Buffered by 1 and pre-filled with a nil error so the first
		// framesInFlight calls to Begin do not block waiting on a
		// submission that never happened.
		p.done[i] = make(chan error, 1)
		p.done[i] <- nil
	}
	return p, nil
}

// FramesInFlight returns N.
func (p *Pacer) FramesInFlight() int { return p.framesInFlight }

// FrameIndex returns the frame index the next Begin/Submit pair will
// use.
func (p *Pacer) FrameIndex() int { return p.frameIndex }

// BackbufferIndex returns the swapchain image index acquired by the
// most recent Begin.
func (p *Pacer) BackbufferIndex() int { return p.backbufferIdx }

// Views returns the swapchain's image views, or nil for an offscreen
// Pacer.
func (p *Pacer) Views() []driver.ImageView {
	if p.sc == nil {
		return nil
	}
	return p.sc.Views()
}

// Begin runs spec §4.D's begin() sequence and returns the command
// buffer to record into. slot is this frame's index into the N
// command buffers (frameIndex % N).
func (p *Pacer) Begin() (cb driver.CmdBuffer, slot int, err error) {
	slot = p.frameIndex % p.framesInFlight
	cb = p.cb[slot]

	if p.sc != nil {
		idx, err := p.sc.Next(cb)
		if err != nil {
			if errors.Is(err, driver.ErrSwapchain) {
				return nil, slot, &Error{SurfaceStale, err}
			}
			return nil, slot, err
		}
		p.backbufferIdx = idx
	}

	// Wait on fence[slot], then reset it: block for the previous
	// occupant of this slot to finish, which also guarantees the
	// binder's descriptor-heap copy for this slot is free to rewrite.
	if err := <-p.done[slot]; err != nil {
		return nil, slot, &Error{DeviceFailure, err}
	}

	if err := cb.Reset(); err != nil {
		return nil, slot, err
	}
	if err := cb.Begin(); err != nil {
		return nil, slot, err
	}
	return cb, slot, nil
}

// Submit runs spec §4.D's submit(present) sequence: ends the command
// buffer, calls Swapchain.Present with it when present is true, then
// commits it and advances frameIndex.
// It does not block; Submit's completion is observed by the next
// Begin call for this slot.
func (p *Pacer) Submit(cb driver.CmdBuffer, present bool) error {
	slot := p.frameIndex % p.framesInFlight
	if err := cb.End(); err != nil {
		return err
	}
	if present {
		if p.sc == nil {
			return errors.New("pacer: Submit called with present=true on an offscreen Pacer")
		}
		if err := p.sc.Present(p.backbufferIdx, cb); err != nil {
			if errors.Is(err, driver.ErrSwapchain) {
				// Nothing was committed for this slot: refill its
				// completion channel so the next Begin on this slot
				// does not block forever waiting on a submit that
				// never happened.
				p.done[slot] <- nil
				p.frameIndex++
				return &Error{SurfaceStale, err}
			}
			return err
		}
	}
	p.gpu.Commit([]driver.CmdBuffer{cb}, p.done[slot])
	p.frameIndex++
	return nil
}

// Recreate recreates the swapchain in response to a SurfaceStale
// error, per spec §4.D's failure semantics.
func (p *Pacer) Recreate() error {
	if p.sc == nil {
		return errors.New("pacer: Recreate called on an offscreen Pacer")
	}
	log.Printf("pacer: recreating swapchain")
	return p.sc.Recreate()
}

// NewSwapchain opens a swapchain on win for an onscreen Pacer,
// requesting framesInFlight+1 images (the teacher's NFrame+1
// convention, engine/renderer.go's NewOnscreen).
func NewSwapchain(gpu driver.GPU, win wsi.Window, framesInFlight int) (driver.Swapchain, error) {
	pres, ok := gpu.(driver.Presenter)
	if !ok {
		return nil, &Error{DeviceFailure, driver.ErrCannotPresent}
	}
	return pres.NewSwapchain(win, framesInFlight+1)
}

// Destroy releases the command buffers and swapchain (if any) this
// Pacer owns.
func (p *Pacer) Destroy() {
	for _, cb := range p.cb {
		if cb != nil {
			cb.Destroy()
		}
	}
	if p.sc != nil {
		p.sc.Destroy()
	}
}

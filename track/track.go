// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package track implements tracking and barrier synthesis: the
// render graph's per-subresource state machine that turns per-task
// resource-use declarations into the minimal pipeline barrier
// sequence a task-ordered command stream requires.
//
// This is a direct, bit-for-bit translation of
// original_source/src/framegraph.{hpp,cpp}'s
// ImageSubresourceTrackingState/BufferTrackingState and
// merge_states/create_barrier/write_barrier logic into Go: the
// per-subresource tracking table is a flat slice indexed
// layer*levels+mip, not a map, matching the original's
// image_states[image_id][layer*desc.mip_levels+mip] addressing.
package track

import (
	"fmt"
	"io"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/pool"
)

// ImageId and BufferId name the two resource-id flavors tracked; both
// are pool.ResourceId values, kept distinct here only by name.
type (
	ImageId  = pool.ResourceId
	BufferId = pool.ResourceId
)

// Kind identifies the category of a track error.
type Kind int

const (
	// OutOfRange means a declaration named a mip, layer or buffer
	// range outside what the resource was registered with.
	OutOfRange Kind = iota
	// UnknownResource means a declaration named an id the
	// Tracker was never told about via RegisterImage/RegisterBuffer.
	// Not part of spec.md's error taxonomy table (§7); added because
	// the tracker must reject a contract violation distinct from a
	// stale pool handle, which pool.Pool already catches on its own.
	UnknownResource
)

func (k Kind) String() string {
	switch k {
	case OutOfRange:
		return "OutOfRange"
	case UnknownResource:
		return "UnknownResource"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Tracker operations.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return "track: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ImageSubresourceId is the atomic unit of image tracking (spec §3).
type ImageSubresourceId struct {
	Image ImageId
	Mip   int
	Layer int
}

// ImageState is the pipeline-stage, access and layout state a use
// declaration requests or leaves behind (spec §3).
type ImageState struct {
	Stages driver.Sync
	Access driver.Access
	Layout driver.Layout
}

// BufferState is the pipeline-stage and access state a use
// declaration requests or leaves behind for a buffer (spec §3).
type BufferState struct {
	Stages driver.Sync
	Access driver.Access
}

// ImageBarrier is one synthesized image barrier (spec §3's barrier
// record).
type ImageBarrier struct {
	Sub     ImageSubresourceId
	Src     ImageState
	Dst     ImageState
	Acquire bool
}

// BufferBarrier is one synthesized buffer barrier.
type BufferBarrier struct {
	Buf     BufferId
	Src     BufferState
	Dst     BufferState
	Acquire bool
}

// TaskBarriers is the barrier record for a single task slot (spec
// §3): the image and buffer barriers that must be emitted immediately
// before that task runs.
type TaskBarriers struct {
	Images  []ImageBarrier
	Buffers []BufferBarrier
}

// Empty reports whether there is nothing to emit for this task slot;
// an empty TaskBarriers must be elided (spec §4.E).
func (tb TaskBarriers) Empty() bool { return len(tb.Images) == 0 && len(tb.Buffers) == 0 }

// writeMask is the set of access bits that make a state a write, per
// spec §4.E's "Read-only is defined as the access mask containing no
// bit in {SHADER_WRITE, COLOR_ATTACHMENT_WRITE,
// DEPTH_STENCIL_ATTACHMENT_WRITE, TRANSFER_WRITE, MEMORY_WRITE}".
const writeMask = driver.AShaderWrite | driver.AColorWrite | driver.ADSWrite | driver.ACopyWrite | driver.AAnyWrite

func readOnly(a driver.Access) bool { return a&writeMask == 0 }

// ImageOptions configures per-image tracking behavior (SPEC_FULL.md
// §C.3, grounded on original_source's reset_to_undefined_layout
// per-image flag).
type ImageOptions struct {
	// DiscardEachFrame makes every subresource of this image begin
	// each frame as if never used before (acquire barrier, layout
	// UNDEFINED), rather than carrying over the previous frame's
	// state. Intended for scratch/ping-pong targets with no
	// meaningful history.
	DiscardEachFrame bool
}

type subImageState struct {
	known      bool
	hasPending bool
	barrierID  int
	src        ImageState
	dst        ImageState
}

type imageTrack struct {
	levels int
	layers int
	opts   ImageOptions
	states []subImageState
}

type subBufferState struct {
	known      bool
	hasPending bool
	barrierID  int
	src        BufferState
	dst        BufferState
}

// Tracker is the per-graph tracking state machine: one instance
// drives barrier synthesis across the whole lifetime of a Graph (not
// recreated every frame), since subresource state must persist
// across frames (spec §4.E: "each subresource retains its last-frame
// src_state across submit()").
//
// A Tracker is used from a single goroutine for the whole lifetime of
// a frame (the "graph thread", spec §5); it does not lock internally.
type Tracker struct {
	images   map[ImageId]*imageTrack
	buffers  map[BufferId]*subBufferState
	barriers []TaskBarriers
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		images:  make(map[ImageId]*imageTrack),
		buffers: make(map[BufferId]*subBufferState),
	}
}

// RegisterImage begins tracking id, which has the given mip/array
// extents. Every subresource starts with no known prior state (the
// first use this frame or any future frame is an acquire barrier)
// until a use is declared or ResetImageState overrides it.
func (tr *Tracker) RegisterImage(id ImageId, levels, layers int, opts ImageOptions) {
	tr.images[id] = &imageTrack{
		levels: levels,
		layers: layers,
		opts:   opts,
		states: make([]subImageState, levels*layers),
	}
}

// UnregisterImage stops tracking id. Callers must ensure no task in
// the current frame still references it.
func (tr *Tracker) UnregisterImage(id ImageId) { delete(tr.images, id) }

// RegisterBuffer begins tracking id.
func (tr *Tracker) RegisterBuffer(id BufferId) {
	tr.buffers[id] = &subBufferState{}
}

// UnregisterBuffer stops tracking id.
func (tr *Tracker) UnregisterBuffer(id BufferId) { delete(tr.buffers, id) }

// BeginFrame resets the per-frame barrier list and discards the
// known-state of every image registered with ImageOptions.
// DiscardEachFrame. It must be called once, before any UseImage/
// UseBuffer declaration for the frame being built.
func (tr *Tracker) BeginFrame() {
	tr.barriers = tr.barriers[:0]
	for _, it := range tr.images {
		if !it.opts.DiscardEachFrame {
			continue
		}
		for i := range it.states {
			it.states[i].known = false
			it.states[i].hasPending = false
			it.states[i].src = ImageState{}
		}
	}
}

// UseImage declares that task (the 0-based index of the task being
// set up) uses sub in the given state, applying the merging rule
// (spec §4.E) against any pending use in sub's current tracking
// window.
func (tr *Tracker) UseImage(task int, sub ImageSubresourceId, want ImageState) error {
	it, ok := tr.images[sub.Image]
	if !ok {
		return &Error{UnknownResource, fmt.Errorf("image %+v not registered", sub.Image)}
	}
	if sub.Mip < 0 || sub.Mip >= it.levels || sub.Layer < 0 || sub.Layer >= it.layers {
		return &Error{OutOfRange, fmt.Errorf("subresource (mip %d, layer %d) out of range for image %+v", sub.Mip, sub.Layer, sub.Image)}
	}
	st := &it.states[sub.Layer*it.levels+sub.Mip]
	tr.ensureTaskSlot(task)
	if !st.hasPending {
		st.dst = want
		st.barrierID = task
		st.hasPending = true
		return nil
	}
	if st.dst.Layout == want.Layout && readOnly(st.dst.Access) && readOnly(want.Access) {
		st.dst.Stages |= want.Stages
		st.dst.Access |= want.Access
		return nil
	}
	tr.closeImageWindow(sub, st)
	st.dst = want
	st.barrierID = task
	st.hasPending = true
	return nil
}

// UseBuffer declares that task uses buffer id in the given state.
func (tr *Tracker) UseBuffer(task int, id BufferId, want BufferState) error {
	bt, ok := tr.buffers[id]
	if !ok {
		return &Error{UnknownResource, fmt.Errorf("buffer %+v not registered", id)}
	}
	tr.ensureTaskSlot(task)
	if !bt.hasPending {
		bt.dst = want
		bt.barrierID = task
		bt.hasPending = true
		return nil
	}
	if readOnly(bt.dst.Access) && readOnly(want.Access) {
		bt.dst.Stages |= want.Stages
		bt.dst.Access |= want.Access
		return nil
	}
	tr.closeBufferWindow(id, bt)
	bt.dst = want
	bt.barrierID = task
	bt.hasPending = true
	return nil
}

// Flush closes every subresource's still-open tracking window (spec
// §4.E: "At submit, for every subresource with a pending dst_state,
// emit its transition as a barrier at barrier_id"). It must be called
// once, after the last task of the frame has been declared and before
// Barriers is consulted for the final task slots.
func (tr *Tracker) Flush() {
	for id, it := range tr.images {
		for i := range it.states {
			st := &it.states[i]
			if st.hasPending {
				sub := ImageSubresourceId{Image: id, Layer: i / it.levels, Mip: i % it.levels}
				tr.closeImageWindow(sub, st)
			}
		}
	}
	for id, bt := range tr.buffers {
		if bt.hasPending {
			tr.closeBufferWindow(id, bt)
		}
	}
}

// Barriers returns the barrier record for task slot i. The caller
// must have called Flush first if i refers to the frame's trailing
// edge.
func (tr *Tracker) Barriers(i int) TaskBarriers {
	if i < 0 || i >= len(tr.barriers) {
		return TaskBarriers{}
	}
	return tr.barriers[i]
}

// TaskCount returns the number of task slots barriers have been
// recorded for in the current frame.
func (tr *Tracker) TaskCount() int { return len(tr.barriers) }

// ResetImageState overrides sub's known state without emitting a
// barrier, for use right after an out-of-band operation (e.g. an
// upload performed outside the declared-use system) so the next
// declared use does not produce a redundant acquire barrier
// (SPEC_FULL.md §C.2, grounded on original_source's
// reset_image_state).
func (tr *Tracker) ResetImageState(id ImageId, mip, layer int, state ImageState) error {
	it, ok := tr.images[id]
	if !ok {
		return &Error{UnknownResource, fmt.Errorf("image %+v not registered", id)}
	}
	if mip < 0 || mip >= it.levels || layer < 0 || layer >= it.layers {
		return &Error{OutOfRange, fmt.Errorf("subresource (mip %d, layer %d) out of range for image %+v", mip, layer, id)}
	}
	st := &it.states[layer*it.levels+mip]
	st.src = state
	st.known = true
	st.hasPending = false
	return nil
}

// ResetBufferState overrides id's known state without emitting a
// barrier (see ResetImageState).
func (tr *Tracker) ResetBufferState(id BufferId, state BufferState) error {
	bt, ok := tr.buffers[id]
	if !ok {
		return &Error{UnknownResource, fmt.Errorf("buffer %+v not registered", id)}
	}
	bt.src = state
	bt.known = true
	bt.hasPending = false
	return nil
}

func (tr *Tracker) ensureTaskSlot(i int) {
	for i >= len(tr.barriers) {
		tr.barriers = append(tr.barriers, TaskBarriers{})
	}
}

func (tr *Tracker) closeImageWindow(sub ImageSubresourceId, st *subImageState) {
	b := ImageBarrier{
		Sub:     sub,
		Src:     st.src,
		Dst:     st.dst,
		Acquire: !st.known,
	}
	tr.barriers[st.barrierID].Images = append(tr.barriers[st.barrierID].Images, b)
	st.src = st.dst
	st.known = true
	st.hasPending = false
}

func (tr *Tracker) closeBufferWindow(id BufferId, bt *subBufferState) {
	if !bt.known && readOnly(bt.dst.Access) {
		// A buffer has no layout to establish, so a first window that
		// only reads needs no barrier.
		bt.src = bt.dst
		bt.known = true
		bt.hasPending = false
		return
	}
	b := BufferBarrier{
		Buf:     id,
		Src:     bt.src,
		Dst:     bt.dst,
		Acquire: !bt.known,
	}
	tr.barriers[bt.barrierID].Buffers = append(tr.barriers[bt.barrierID].Buffers, b)
	bt.src = bt.dst
	bt.known = true
	bt.hasPending = false
}

// DumpBarriers writes a human-readable dump of every task slot's
// barrier record to w, in the spirit of original_source's
// dump_barriers/dump_barrier (SPEC_FULL.md §C.1). It costs nothing
// when not called.
func (tr *Tracker) DumpBarriers(w io.Writer) {
	for i, tb := range tr.barriers {
		if tb.Empty() {
			continue
		}
		fmt.Fprintf(w, "task %d:\n", i)
		for _, ib := range tb.Images {
			fmt.Fprintf(w, "  image %+v: acquire=%v src={stages=%v access=%v layout=%v} dst={stages=%v access=%v layout=%v}\n",
				ib.Sub, ib.Acquire, ib.Src.Stages, ib.Src.Access, ib.Src.Layout, ib.Dst.Stages, ib.Dst.Access, ib.Dst.Layout)
		}
		for _, bb := range tb.Buffers {
			fmt.Fprintf(w, "  buffer %+v: acquire=%v src={stages=%v access=%v} dst={stages=%v access=%v}\n",
				bb.Buf, bb.Acquire, bb.Src.Stages, bb.Src.Access, bb.Dst.Stages, bb.Dst.Access)
		}
	}
}

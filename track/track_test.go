// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package track

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tesseract-gfx/rendergraph/driver"
)

func newTestImage(tr *Tracker, levels, layers int) ImageId {
	id := ImageId{Slot: 0, Gen: 0}
	tr.RegisterImage(id, levels, layers, ImageOptions{})
	return id
}

// TestWriteThenSample is scenario S1: a compute write followed by a
// fragment sample must produce exactly one barrier at the edge
// between the two tasks.
func TestWriteThenSample(t *testing.T) {
	tr := New()
	img := newTestImage(tr, 1, 1)
	sub := ImageSubresourceId{Image: img, Mip: 0, Layer: 0}

	tr.BeginFrame()
	if err := tr.UseImage(0, sub, StorageImage(driver.SCompute)); err != nil {
		t.Fatalf("UseImage(task0):\nhave err %v\nwant nil", err)
	}
	if err := tr.UseImage(1, sub, SampleImage(driver.SFragment)); err != nil {
		t.Fatalf("UseImage(task1):\nhave err %v\nwant nil", err)
	}
	tr.Flush()

	if n := tr.TaskCount(); n != 2 {
		t.Fatalf("TaskCount:\nhave %d\nwant 2", n)
	}
	b0 := tr.Barriers(0)
	if len(b0.Images) != 1 || !b0.Images[0].Acquire {
		t.Fatalf("Barriers(0):\nhave %+v\nwant one acquire barrier (first use of the subresource)", b0)
	}
	b1 := tr.Barriers(1)
	if len(b1.Images) != 1 {
		t.Fatalf("Barriers(1).Images:\nhave %d entries\nwant 1", len(b1.Images))
	}
	ib := b1.Images[0]
	wantSrc := ImageState{driver.SComputeShading, driver.AShaderRead | driver.AShaderWrite, driver.LCommon}
	wantDst := ImageState{driver.SFragmentShading, driver.AShaderRead, driver.LShaderRead}
	if ib.Src != wantSrc {
		t.Fatalf("Barriers(1).Images[0].Src:\nhave %+v\nwant %+v", ib.Src, wantSrc)
	}
	if ib.Dst != wantDst {
		t.Fatalf("Barriers(1).Images[0].Dst:\nhave %+v\nwant %+v", ib.Dst, wantDst)
	}
	if ib.Acquire {
		t.Fatalf("Barriers(1).Images[0].Acquire:\nhave true\nwant false (src state was known)")
	}
}

// TestTwoReadsMerge is scenario S2: two read-only uses of the same
// subresource in the same layout must merge into one window with no
// barrier between them.
func TestTwoReadsMerge(t *testing.T) {
	tr := New()
	img := newTestImage(tr, 1, 1)
	sub := ImageSubresourceId{Image: img, Mip: 0, Layer: 0}

	tr.BeginFrame()
	if err := tr.UseImage(0, sub, SampleImage(driver.SFragment)); err != nil {
		t.Fatalf("UseImage(task0):\nhave err %v\nwant nil", err)
	}
	if err := tr.UseImage(1, sub, SampleImage(driver.SCompute)); err != nil {
		t.Fatalf("UseImage(task1):\nhave err %v\nwant nil", err)
	}
	if !tr.Barriers(1).Empty() {
		t.Fatalf("Barriers(1):\nhave %+v\nwant empty (merged reads)", tr.Barriers(1))
	}
	// A subsequent write must close the merged window with the
	// union of both reads' stages and accesses.
	if err := tr.UseImage(2, sub, StorageImage(driver.SCompute)); err != nil {
		t.Fatalf("UseImage(task2):\nhave err %v\nwant nil", err)
	}
	tr.Flush()
	b2 := tr.Barriers(2)
	if len(b2.Images) != 1 {
		t.Fatalf("Barriers(2).Images:\nhave %d entries\nwant 1", len(b2.Images))
	}
	wantSrc := ImageState{driver.SFragmentShading | driver.SComputeShading, driver.AShaderRead, driver.LShaderRead}
	if b2.Images[0].Src != wantSrc {
		t.Fatalf("Barriers(2).Images[0].Src:\nhave %+v\nwant %+v", b2.Images[0].Src, wantSrc)
	}
}

// TestMipChain is a reduced form of scenario S3: a chain of
// transfer-write -> transfer-read -> transfer-write across mip levels
// must synthesize exactly one barrier per mip transition.
func TestMipChain(t *testing.T) {
	const mips = 4
	tr := New()
	img := newTestImage(tr, mips, 1)

	tr.BeginFrame()
	task := 0
	subAt := func(mip int) ImageSubresourceId { return ImageSubresourceId{Image: img, Mip: mip, Layer: 0} }

	if err := tr.UseImage(task, subAt(0), TransferWriteImage()); err != nil {
		t.Fatalf("UseImage(mip0 write):\nhave err %v\nwant nil", err)
	}
	task++
	for m := 1; m < mips; m++ {
		if err := tr.UseImage(task, subAt(m-1), TransferReadImage()); err != nil {
			t.Fatalf("UseImage(mip%d read):\nhave err %v\nwant nil", m-1, err)
		}
		if err := tr.UseImage(task, subAt(m), TransferWriteImage()); err != nil {
			t.Fatalf("UseImage(mip%d write):\nhave err %v\nwant nil", m, err)
		}
		task++
	}
	tr.Flush()

	// mip0: write (task0, no barrier) then read (task1: one barrier
	// WRITE->READ). mips 1..3: first write is an acquire barrier.
	var barrierCount int
	for i := 0; i < tr.TaskCount(); i++ {
		barrierCount += len(tr.Barriers(i).Images)
	}
	// 1 WRITE->READ transition per mip pair (3) + 3 acquire barriers
	// for mips 1..3's first write = 6.
	if want := (mips - 1) + (mips - 1); barrierCount != want {
		t.Fatalf("total image barriers:\nhave %d\nwant %d", barrierCount, want)
	}
}

// TestIndirectDispatch is scenario S4.
func TestIndirectDispatch(t *testing.T) {
	tr := New()
	counts := BufferId{Slot: 0, Gen: 0}
	tiles := BufferId{Slot: 1, Gen: 0}
	tr.RegisterBuffer(counts)
	tr.RegisterBuffer(tiles)

	tr.BeginFrame()
	if err := tr.UseBuffer(0, counts, StorageBuffer(driver.SCompute, false)); err != nil {
		t.Fatalf("UseBuffer(counts write):\nhave err %v\nwant nil", err)
	}
	if err := tr.UseBuffer(1, counts, IndirectBuffer()); err != nil {
		t.Fatalf("UseBuffer(counts indirect):\nhave err %v\nwant nil", err)
	}
	if err := tr.UseBuffer(1, tiles, StorageBuffer(driver.SCompute, true)); err != nil {
		t.Fatalf("UseBuffer(tiles read):\nhave err %v\nwant nil", err)
	}
	tr.Flush()

	b1 := tr.Barriers(1)
	if len(b1.Buffers) != 1 {
		t.Fatalf("Barriers(1).Buffers:\nhave %d entries\nwant 1 (only counts_buf transitions)", len(b1.Buffers))
	}
	bb := b1.Buffers[0]
	if bb.Buf != counts {
		t.Fatalf("Barriers(1).Buffers[0].Buf:\nhave %+v\nwant %+v", bb.Buf, counts)
	}
	wantSrc := BufferState{driver.SComputeShading, driver.AShaderRead | driver.AShaderWrite}
	wantDst := BufferState{driver.SIndirect, driver.AIndirectRead}
	if bb.Src != wantSrc || bb.Dst != wantDst {
		t.Fatalf("Barriers(1).Buffers[0]:\nhave src=%+v dst=%+v\nwant src=%+v dst=%+v", bb.Src, bb.Dst, wantSrc, wantDst)
	}
}

// TestBackbufferPresent is scenario S5.
func TestBackbufferPresent(t *testing.T) {
	tr := New()
	bb := newTestImage(tr, 1, 1)
	sub := ImageSubresourceId{Image: bb, Mip: 0, Layer: 0}

	tr.BeginFrame()
	if err := tr.UseImage(0, sub, ColorAttachment()); err != nil {
		t.Fatalf("UseImage(attachment):\nhave err %v\nwant nil", err)
	}
	if err := tr.UseImage(1, sub, PrepareBackbuffer()); err != nil {
		t.Fatalf("UseImage(prepare):\nhave err %v\nwant nil", err)
	}
	tr.Flush()

	b0 := tr.Barriers(0)
	if len(b0.Images) != 1 || !b0.Images[0].Acquire {
		t.Fatalf("Barriers(0):\nhave %+v\nwant one acquire barrier to COLOR_ATTACHMENT_OPTIMAL", b0)
	}
	b1 := tr.Barriers(1)
	if len(b1.Images) != 1 {
		t.Fatalf("Barriers(1).Images:\nhave %d entries\nwant 1", len(b1.Images))
	}
	if b1.Images[0].Src.Layout != driver.LColorTarget || b1.Images[0].Dst.Layout != driver.LPresent {
		t.Fatalf("Barriers(1).Images[0] layouts:\nhave src=%v dst=%v\nwant src=%v dst=%v",
			b1.Images[0].Src.Layout, b1.Images[0].Dst.Layout, driver.LColorTarget, driver.LPresent)
	}
}

// TestZeroTaskFrame is a round-trip property: a frame with no tasks
// must flush cleanly and report no barriers.
func TestZeroTaskFrame(t *testing.T) {
	tr := New()
	tr.BeginFrame()
	tr.Flush()
	if n := tr.TaskCount(); n != 0 {
		t.Fatalf("TaskCount (empty frame):\nhave %d\nwant 0", n)
	}
}

// TestDeterministicEncoding is a round-trip property: replaying the
// identical task sequence on a fresh Tracker yields a bit-identical
// barrier list.
func TestDeterministicEncoding(t *testing.T) {
	run := func() []TaskBarriers {
		tr := New()
		img := newTestImage(tr, 2, 1)
		tr.BeginFrame()
		tr.UseImage(0, ImageSubresourceId{img, 0, 0}, StorageImage(driver.SCompute))
		tr.UseImage(1, ImageSubresourceId{img, 0, 0}, SampleImage(driver.SFragment))
		tr.UseImage(1, ImageSubresourceId{img, 1, 0}, TransferWriteImage())
		tr.Flush()
		out := make([]TaskBarriers, tr.TaskCount())
		for i := range out {
			out[i] = tr.Barriers(i)
		}
		return out
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("deterministic encoding:\nhave %+v\nwant identical to %+v", b, a)
	}
}

// TestOutOfRange is a boundary behavior: a declaration naming a mip
// or layer outside the image's range must fail with OutOfRange.
func TestOutOfRange(t *testing.T) {
	tr := New()
	img := newTestImage(tr, 2, 1)
	tr.BeginFrame()
	err := tr.UseImage(0, ImageSubresourceId{img, 2, 0}, SampleImage(driver.SFragment))
	if err == nil {
		t.Fatalf("UseImage(out-of-range mip):\nhave nil error\nwant OutOfRange")
	}
	var te *Error
	if !errors.As(err, &te) || te.Kind != OutOfRange {
		t.Fatalf("UseImage(out-of-range mip):\nhave %v\nwant OutOfRange", err)
	}
}

// TestDiscardEachFrame exercises SPEC_FULL.md §C.3: an image flagged
// DiscardEachFrame must treat its first use every frame as an
// acquire barrier, even though the prior frame left it in a known
// layout.
func TestDiscardEachFrame(t *testing.T) {
	tr := New()
	id := ImageId{Slot: 3, Gen: 0}
	tr.RegisterImage(id, 1, 1, ImageOptions{DiscardEachFrame: true})
	sub := ImageSubresourceId{Image: id, Mip: 0, Layer: 0}

	tr.BeginFrame()
	tr.UseImage(0, sub, StorageImage(driver.SCompute))
	tr.Flush()

	tr.BeginFrame()
	if err := tr.UseImage(0, sub, StorageImage(driver.SCompute)); err != nil {
		t.Fatalf("UseImage (frame 2):\nhave err %v\nwant nil", err)
	}
	tr.Flush()
	b0 := tr.Barriers(0)
	if len(b0.Images) != 1 || !b0.Images[0].Acquire {
		t.Fatalf("Barriers(0) (frame 2):\nhave %+v\nwant a fresh acquire barrier", b0)
	}
}

// TestResetImageState exercises SPEC_FULL.md §C.2: an explicit reset
// must be picked up as the src_state of the next declared use,
// without itself producing a barrier.
func TestResetImageState(t *testing.T) {
	tr := New()
	id := ImageId{Slot: 4, Gen: 0}
	tr.RegisterImage(id, 1, 1, ImageOptions{})
	sub := ImageSubresourceId{Image: id, Mip: 0, Layer: 0}

	uploaded := ImageState{driver.SCopy, driver.ACopyWrite, driver.LCopyDst}
	if err := tr.ResetImageState(id, 0, 0, uploaded); err != nil {
		t.Fatalf("ResetImageState:\nhave err %v\nwant nil", err)
	}

	tr.BeginFrame()
	if err := tr.UseImage(0, sub, SampleImage(driver.SFragment)); err != nil {
		t.Fatalf("UseImage:\nhave err %v\nwant nil", err)
	}
	tr.Flush()
	b0 := tr.Barriers(0)
	if len(b0.Images) != 1 {
		t.Fatalf("Barriers(0):\nhave %d entries\nwant 1", len(b0.Images))
	}
	if b0.Images[0].Acquire {
		t.Fatalf("Barriers(0).Images[0].Acquire:\nhave true\nwant false (state was reset, not unknown)")
	}
	if b0.Images[0].Src != uploaded {
		t.Fatalf("Barriers(0).Images[0].Src:\nhave %+v\nwant %+v", b0.Images[0].Src, uploaded)
	}
}

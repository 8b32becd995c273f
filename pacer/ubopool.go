// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pacer

import (
	"fmt"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// uboAlign is the minimum alignment driver.DescHeap.SetBuffer requires
// for buffer ranges (driver/core.go: "Buffer ranges must be aligned to
// 256 bytes").
const uboAlign = 256

func alignUp(n int64, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

// UBOPool is a per-frame linear ring allocator carving fixed-alignment
// blocks out of one mapped buffer per frame-in-flight (spec §6's
// "ubo_pool"; SPEC_FULL.md §C.5, grounded on original_source's
// UniformBufferPool/DynBuffer<T> (gpu/dynbuffer.hpp) and on the
// teacher's staging-buffer bump-allocation style in
// engine/staging.go).
//
// Unlike pool.Pool, UBOPool never frees individual blocks: each
// frame's region is reclaimed wholesale at the start of that frame
// (Reset), once the pacer has confirmed the frame slot is idle on the
// device.
type UBOPool struct {
	gpu   driver.GPU
	bufs  []driver.Buffer
	off   []int64
	limit int64
}

// NewUBOPool allocates framesInFlight host-visible buffers of size
// bytes each.
func NewUBOPool(gpu driver.GPU, framesInFlight int, size int64) (*UBOPool, error) {
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	p := &UBOPool{gpu: gpu, limit: size}
	p.bufs = make([]driver.Buffer, framesInFlight)
	p.off = make([]int64, framesInFlight)
	for i := range p.bufs {
		b, err := gpu.NewBuffer(size, true, driver.UShaderConst)
		if err != nil {
			p.Destroy()
			return nil, err
		}
		if !b.Visible() {
			p.Destroy()
			return nil, fmt.Errorf("pacer: UBOPool buffer is not host visible")
		}
		p.bufs[i] = b
	}
	return p, nil
}

// Reset reclaims the entire region belonging to slot (frameIndex % N).
// It must be called once per frame, after the pacer has confirmed that
// frame slot's previous occupant is idle on the device (i.e. after
// Pacer.Begin, not before).
func (p *UBOPool) Reset(slot int) { p.off[slot] = 0 }

// Alloc carves size bytes, aligned to 256 bytes, out of slot's region
// and returns the backing driver.Buffer, the byte offset of the block
// within it, and a slice of the block's bytes for the caller to write
// into. It fails with TransferOverflow if the frame's budget is
// exhausted.
func (p *UBOPool) Alloc(slot int, size int64) (buf driver.Buffer, off int64, bytes []byte, err error) {
	start := alignUp(p.off[slot], uboAlign)
	if start+size > p.limit {
		return nil, 0, nil, &Error{TransferOverflow, fmt.Errorf("pacer: UBOPool slot %d exhausted (requested %d at offset %d, limit %d)", slot, size, start, p.limit)}
	}
	p.off[slot] = start + size
	b := p.bufs[slot]
	return b, start, b.Bytes()[start : start+size], nil
}

// Destroy releases every per-frame buffer.
func (p *UBOPool) Destroy() {
	for _, b := range p.bufs {
		if b != nil {
			b.Destroy()
		}
	}
}

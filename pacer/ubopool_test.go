// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pacer

import (
	"errors"
	"testing"

	"github.com/tesseract-gfx/rendergraph/driver"
)

type fakeUBOBuffer struct {
	driver.Buffer
	data []byte
}

func (b *fakeUBOBuffer) Destroy()     {}
func (b *fakeUBOBuffer) Visible() bool { return true }
func (b *fakeUBOBuffer) Bytes() []byte { return b.data }
func (b *fakeUBOBuffer) Cap() int64    { return int64(len(b.data)) }

type fakeUBOGPU struct {
	driver.GPU
	size int64
}

func (g *fakeUBOGPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	return &fakeUBOBuffer{data: make([]byte, size)}, nil
}

func TestUBOPoolAllocAlignsAndAdvances(t *testing.T) {
	gpu := &fakeUBOGPU{}
	p, err := NewUBOPool(gpu, 2, 1024)
	if err != nil {
		t.Fatalf("NewUBOPool:\nhave err %v\nwant nil", err)
	}
	_, off1, b1, err := p.Alloc(0, 10)
	if err != nil {
		t.Fatalf("Alloc:\nhave err %v\nwant nil", err)
	}
	if off1 != 0 || len(b1) != 10 {
		t.Fatalf("Alloc: off/len\nhave %d/%d\nwant 0/10", off1, len(b1))
	}
	_, off2, b2, err := p.Alloc(0, 10)
	if err != nil {
		t.Fatalf("Alloc (2nd):\nhave err %v\nwant nil", err)
	}
	if off2 != uboAlign {
		t.Fatalf("Alloc (2nd): offset not aligned to 256\nhave %d\nwant %d", off2, uboAlign)
	}
	if len(b2) != 10 {
		t.Fatalf("Alloc (2nd): len\nhave %d\nwant 10", len(b2))
	}
}

func TestUBOPoolResetReclaimsSlot(t *testing.T) {
	gpu := &fakeUBOGPU{}
	p, _ := NewUBOPool(gpu, 1, 512)
	p.Alloc(0, 100)
	p.Reset(0)
	_, off, _, err := p.Alloc(0, 100)
	if err != nil {
		t.Fatalf("Alloc (post-reset):\nhave err %v\nwant nil", err)
	}
	if off != 0 {
		t.Fatalf("Alloc (post-reset): offset\nhave %d\nwant 0 (region should have been reclaimed)", off)
	}
}

func TestUBOPoolAllocOverflowFails(t *testing.T) {
	gpu := &fakeUBOGPU{}
	p, _ := NewUBOPool(gpu, 1, 256)
	if _, _, _, err := p.Alloc(0, 200); err != nil {
		t.Fatalf("Alloc:\nhave err %v\nwant nil", err)
	}
	_, _, _, err := p.Alloc(0, 200)
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != TransferOverflow {
		t.Fatalf("Alloc (overflow):\nhave err %v\nwant *Error{Kind: TransferOverflow}", err)
	}
}

func TestUBOPoolSlotsAreIndependent(t *testing.T) {
	gpu := &fakeUBOGPU{}
	p, _ := NewUBOPool(gpu, 2, 512)
	p.Alloc(0, 100)
	_, off, _, err := p.Alloc(1, 100)
	if err != nil {
		t.Fatalf("Alloc (slot 1):\nhave err %v\nwant nil", err)
	}
	if off != 0 {
		t.Fatalf("Alloc (slot 1): offset\nhave %d\nwant 0 (independent of slot 0's usage)", off)
	}
}

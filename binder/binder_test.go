// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package binder

import (
	"encoding/binary"
	"testing"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/shader"
)

// --- minimal fakes, mirroring shader_test.go's style ------------------

type fakeCode struct{}

func (c *fakeCode) Destroy() {}

type fakeHeap struct {
	bufCalls, imgCalls, splrCalls int
	lastBuf                       []driver.Buffer
	lastOff, lastSize             []int64
}

func (h *fakeHeap) Destroy() {}
func (h *fakeHeap) New(n int) error { return nil }
func (h *fakeHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {
	h.bufCalls++
	h.lastBuf, h.lastOff, h.lastSize = buf, off, size
}
func (h *fakeHeap) SetImage(cpy, nr, start int, iv []driver.ImageView) { h.imgCalls++ }
func (h *fakeHeap) SetSampler(cpy, nr, start int, splr []driver.Sampler) { h.splrCalls++ }
func (h *fakeHeap) Count() int { return 0 }

type fakeTable struct{}

func (t *fakeTable) Destroy() {}

type fakeGPU struct{ driver.GPU }

func (g *fakeGPU) NewShaderCode(data []byte) (driver.ShaderCode, error) { return &fakeCode{}, nil }
func (g *fakeGPU) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) {
	return &fakeHeap{}, nil
}
func (g *fakeGPU) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) {
	return &fakeTable{}, nil
}

// fakeCmd only overrides the two methods Binder.Flush actually calls;
// every other driver.CmdBuffer method panics if reached, via the
// embedded nil interface (same trick as pool_test.go's fakeGPU).
type fakeCmd struct {
	driver.CmdBuffer
	graphTable, compTable driver.DescTable
	graphCopy, compCopy   []int
}

func (c *fakeCmd) SetDescTableGraph(table driver.DescTable, start int, heapCopy []int) {
	c.graphTable = table
	c.graphCopy = append([]int(nil), heapCopy...)
}

func (c *fakeCmd) SetDescTableComp(table driver.DescTable, start int, heapCopy []int) {
	c.compTable = table
	c.compCopy = append([]int(nil), heapCopy...)
}

// buildUBOModule emits a single uniform block at (set 0, binding 0),
// using the same hand-assembled SPIR-V helpers as shader_test.go
// (duplicated here since those helpers are unexported in shader).
const (
	spirvMagic = 0x07230203

	opEntryPoint    = 15
	opTypeStruct    = 30
	opTypePointer   = 32
	opVariable      = 59
	opDecorate      = 71
	opTypeImage     = 25
	opTypeSampledImage = 27

	decDescriptorSet    = 34
	decBinding          = 33
	scUniform           = 2
	scUniformConstant   = 0
)

type instr struct {
	opcode   uint32
	operands []uint32
}

func assembleSPIRV(bound uint32, ins []instr) []byte {
	words := []uint32{spirvMagic, 0x00010300, 0, bound, 0}
	for _, in := range ins {
		words = append(words, (uint32(len(in.operands)+1)<<16)|in.opcode)
		words = append(words, in.operands...)
	}
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], w)
	}
	return b
}

func encodeStr(s string) []uint32 {
	b := []byte(s)
	b = append(b, 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

func buildUBOModule() []byte {
	var ins []instr
	entryOps := append([]uint32{0, 100}, encodeStr("main")...)
	ins = append(ins, instr{opEntryPoint, entryOps})
	ins = append(ins, instr{opTypeStruct, []uint32{1}})
	ins = append(ins, instr{opTypePointer, []uint32{2, scUniform, 1}})
	ins = append(ins, instr{opVariable, []uint32{2, 3, scUniform}})
	ins = append(ins, instr{opDecorate, []uint32{3, decDescriptorSet, 0}})
	ins = append(ins, instr{opDecorate, []uint32{3, decBinding, 0}})
	return assembleSPIRV(4, ins)
}

func newTestBinder(t *testing.T, framesInFlight int) (*Binder, *fakeGPU) {
	t.Helper()
	gpu := &fakeGPU{}
	mod, err := shader.NewModule(gpu, buildUBOModule())
	if err != nil {
		t.Fatalf("NewModule:\nhave err %v\nwant nil", err)
	}
	p, err := shader.NewProgram("ubo-prog", mod)
	if err != nil {
		t.Fatalf("NewProgram:\nhave err %v\nwant nil", err)
	}
	c := shader.NewCache(gpu)
	b, err := New(c, p, framesInFlight)
	if err != nil {
		t.Fatalf("New:\nhave err %v\nwant nil", err)
	}
	return b, gpu
}

func TestSetUnknownSetOrBinding(t *testing.T) {
	b, _ := newTestBinder(t, 2)
	if err := b.Set(7, 0, 0, BufferValue(nil, 0, 0)); err == nil {
		t.Fatalf("Set(unknown set):\nhave nil error\nwant UnknownBinding")
	}
	if err := b.Set(0, 7, 0, BufferValue(nil, 0, 0)); err == nil {
		t.Fatalf("Set(unknown binding):\nhave nil error\nwant UnknownBinding")
	}
}

func TestSetOutOfRange(t *testing.T) {
	b, _ := newTestBinder(t, 2)
	if err := b.Set(0, 0, 1, BufferValue(nil, 0, 0)); err == nil {
		t.Fatalf("Set(index 1, count 1):\nhave nil error\nwant OutOfRange")
	}
	var e *Error
	if err := b.Set(0, 0, 1, BufferValue(nil, 0, 0)); !asError(err, &e) || e.Kind != OutOfRange {
		t.Fatalf("Set(index 1): wrong error kind")
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

func TestFlushWritesOnlyDirtySlots(t *testing.T) {
	b, gpu := newTestBinder(t, 2)
	_ = gpu
	cmd := &fakeCmd{}

	if err := b.Set(0, 0, 0, BufferValue(nil, 0, 256)); err != nil {
		t.Fatalf("Set:\nhave err %v\nwant nil", err)
	}
	if err := b.Flush(cmd, 0, 0, true); err != nil {
		t.Fatalf("Flush:\nhave err %v\nwant nil", err)
	}
	heap := b.sets[0].heap.(*fakeHeap)
	if heap.bufCalls != 1 {
		t.Fatalf("Flush: SetBuffer calls\nhave %d\nwant 1", heap.bufCalls)
	}

	// Flushing again with nothing changed must not rewrite the slot.
	if err := b.Flush(cmd, 1, 0, true); err != nil {
		t.Fatalf("Flush (2nd):\nhave err %v\nwant nil", err)
	}
	if heap.bufCalls != 1 {
		t.Fatalf("Flush (2nd, unchanged): SetBuffer calls\nhave %d\nwant 1 (no rewrite expected)", heap.bufCalls)
	}
	if cmd.graphTable == nil {
		t.Fatalf("Flush: did not bind a descriptor table for the graphics bind point")
	}
}

func TestFlushRewritesAfterChange(t *testing.T) {
	b, _ := newTestBinder(t, 2)
	cmd := &fakeCmd{}

	b.Set(0, 0, 0, BufferValue(nil, 0, 256))
	b.Flush(cmd, 0, 0, true)
	heap := b.sets[0].heap.(*fakeHeap)
	if heap.bufCalls != 1 {
		t.Fatalf("Flush: SetBuffer calls\nhave %d\nwant 1", heap.bufCalls)
	}

	b.Set(0, 0, 0, BufferValue(nil, 256, 256))
	b.Flush(cmd, 1, 0, true)
	if heap.bufCalls != 2 {
		t.Fatalf("Flush (after change): SetBuffer calls\nhave %d\nwant 2", heap.bufCalls)
	}
}

func TestSetDynamicAlwaysRewrites(t *testing.T) {
	b, _ := newTestBinder(t, 2)
	cmd := &fakeCmd{}

	b.SetDynamic(0, 0, 0, nil, 0, 256)
	b.Flush(cmd, 0, 0, true)
	heap := b.sets[0].heap.(*fakeHeap)
	if heap.bufCalls != 1 {
		t.Fatalf("Flush: SetBuffer calls\nhave %d\nwant 1", heap.bufCalls)
	}

	// Same value, but dynamic: must still rewrite on next flush.
	b.SetDynamic(0, 0, 0, nil, 0, 256)
	b.Flush(cmd, 1, 0, true)
	if heap.bufCalls != 2 {
		t.Fatalf("Flush (dynamic, unchanged value): SetBuffer calls\nhave %d\nwant 2", heap.bufCalls)
	}
}

func TestFlushComputeBindPoint(t *testing.T) {
	b, _ := newTestBinder(t, 2)
	cmd := &fakeCmd{}
	b.Set(0, 0, 0, BufferValue(nil, 0, 256))
	if err := b.Flush(cmd, 0, 0, false); err != nil {
		t.Fatalf("Flush:\nhave err %v\nwant nil", err)
	}
	if cmd.compTable == nil {
		t.Fatalf("Flush: did not bind a descriptor table for the compute bind point")
	}
	if cmd.graphTable != nil {
		t.Fatalf("Flush(graphics=false): should not bind the graphics bind point")
	}
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package shader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// --- synthetic SPIR-V module builder -------------------------------
//
// Real modules are produced by a shader compiler; these tests build
// just enough of the binary format by hand to drive Reflect without
// depending on one.

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

// buildModule emits: a uniform block at (set 0, binding 0) and,
// if withSampler, a combined image/sampler at (set 1, binding 0).
func buildModule(execModel uint32, withSampler bool) []byte {
	var ins []instr
	entryOps := append([]uint32{execModel, 100}, encodeStr("main")...)
	ins = append(ins, instr{opEntryPoint, entryOps})

	// id 1: struct (UBO block type); id 2: pointer(Uniform,1); id 3: var
	ins = append(ins, instr{opTypeStruct, []uint32{1}})
	ins = append(ins, instr{opTypePointer, []uint32{2, scUniform, 1}})
	ins = append(ins, instr{opVariable, []uint32{2, 3, scUniform}})
	ins = append(ins, instr{opDecorate, []uint32{3, decDescriptorSet, 0}})
	ins = append(ins, instr{opDecorate, []uint32{3, decBinding, 0}})

	bound := uint32(4)
	if withSampler {
		// id 4: image; id 5: sampled image(4); id 6: pointer(UniformConstant,5); id 7: var
		ins = append(ins, instr{opTypeImage, []uint32{4}})
		ins = append(ins, instr{opTypeSampledImage, []uint32{5, 4}})
		ins = append(ins, instr{opTypePointer, []uint32{6, scUniformConstant, 5}})
		ins = append(ins, instr{opVariable, []uint32{6, 7, scUniformConstant}})
		ins = append(ins, instr{opDecorate, []uint32{7, decDescriptorSet, 1}})
		ins = append(ins, instr{opDecorate, []uint32{7, decBinding, 0}})
		bound = 8
	}
	return assembleSPIRV(bound, ins)
}

func TestReflectVertexModule(t *testing.T) {
	refl, err := Reflect(buildModule(0, false))
	if err != nil {
		t.Fatalf("Reflect:\nhave err %v\nwant nil", err)
	}
	if refl.Entry != "main" {
		t.Fatalf("Reflect: entry\nhave %q\nwant main", refl.Entry)
	}
	if refl.Stage != driver.SVertex {
		t.Fatalf("Reflect: stage\nhave %v\nwant SVertex", refl.Stage)
	}
	if len(refl.Bindings) != 1 {
		t.Fatalf("Reflect: bindings\nhave %d\nwant 1", len(refl.Bindings))
	}
	b := refl.Bindings[0]
	if b.Set != 0 || b.Nr != 0 || b.Type != driver.DConstant || b.Count != 1 {
		t.Fatalf("Reflect: binding\nhave %+v\nwant {Set:0 Nr:0 Type:DConstant Count:1}", b)
	}
}

func TestReflectFragmentModule(t *testing.T) {
	refl, err := Reflect(buildModule(4, true))
	if err != nil {
		t.Fatalf("Reflect:\nhave err %v\nwant nil", err)
	}
	if refl.Stage != driver.SFragment {
		t.Fatalf("Reflect: stage\nhave %v\nwant SFragment", refl.Stage)
	}
	if len(refl.Bindings) != 2 {
		t.Fatalf("Reflect: bindings\nhave %d\nwant 2", len(refl.Bindings))
	}
	var sawTexture bool
	for _, b := range refl.Bindings {
		if b.Set == 1 && b.Nr == 0 {
			if b.Type != driver.DTexture {
				t.Fatalf("Reflect: set 1 binding\nhave type %v\nwant DTexture", b.Type)
			}
			sawTexture = true
		}
	}
	if !sawTexture {
		t.Fatalf("Reflect: missing set 1 binding 0")
	}
}

// --- fake GPU for Cache/Program tests -------------------------------

type fakeCode struct{ destroyed bool }

func (c *fakeCode) Destroy() { c.destroyed = true }

type fakeHeap struct{ destroyed bool }

func (h *fakeHeap) Destroy()                                                       { h.destroyed = true }
func (h *fakeHeap) New(n int) error                                                { return nil }
func (h *fakeHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {}
func (h *fakeHeap) SetImage(cpy, nr, start int, iv []driver.ImageView)             {}
func (h *fakeHeap) SetSampler(cpy, nr, start int, splr []driver.Sampler)           {}
func (h *fakeHeap) Count() int                                                     { return 0 }

type fakeTable struct{ destroyed bool }

func (t *fakeTable) Destroy() { t.destroyed = true }

type fakePipeline struct{ destroyed bool }

func (p *fakePipeline) Destroy() { p.destroyed = true }

type fakeGPU struct {
	driver.GPU
	heapCalls  int
	tableCalls int
	plCalls    int
}

func (g *fakeGPU) NewShaderCode(data []byte) (driver.ShaderCode, error) { return &fakeCode{}, nil }

func (g *fakeGPU) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) {
	g.heapCalls++
	return &fakeHeap{}, nil
}

func (g *fakeGPU) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) {
	g.tableCalls++
	return &fakeTable{}, nil
}

func (g *fakeGPU) NewPipeline(state any) (driver.Pipeline, error) {
	g.plCalls++
	return &fakePipeline{}, nil
}

func TestProgramMergesSharedBinding(t *testing.T) {
	gpu := &fakeGPU{}
	vert, err := NewModule(gpu, buildModule(0, false))
	if err != nil {
		t.Fatalf("NewModule(vertex):\nhave err %v\nwant nil", err)
	}
	frag, err := NewModule(gpu, buildModule(4, true))
	if err != nil {
		t.Fatalf("NewModule(fragment):\nhave err %v\nwant nil", err)
	}
	p, err := NewProgram("shaded", vert, frag)
	if err != nil {
		t.Fatalf("NewProgram:\nhave err %v\nwant nil", err)
	}
	if len(p.Sets) != 2 {
		t.Fatalf("NewProgram: sets\nhave %d\nwant 2", len(p.Sets))
	}
	d, ok := p.Binding(0, 0)
	if !ok {
		t.Fatalf("Program.Binding(0,0): not found")
	}
	if d.Stages&driver.SVertex == 0 || d.Stages&driver.SFragment == 0 {
		t.Fatalf("Program.Binding(0,0): stages\nhave %v\nwant SVertex|SFragment (both modules declare it)", d.Stages)
	}
}

func TestProgramStageReuse(t *testing.T) {
	gpu := &fakeGPU{}
	v1, _ := NewModule(gpu, buildModule(0, false))
	v2, _ := NewModule(gpu, buildModule(0, false))
	_, err := NewProgram("dup", v1, v2)
	if err == nil {
		t.Fatalf("NewProgram(dup vertex):\nhave nil error\nwant StageReuse")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != StageReuse {
		t.Fatalf("NewProgram(dup vertex):\nhave %v\nwant StageReuse", err)
	}
}

func TestCacheComputeInterning(t *testing.T) {
	gpu := &fakeGPU{}
	mod, _ := NewModule(gpu, buildModule(5, false)) // GLCompute
	p, err := NewProgram("compute-prog", mod)
	if err != nil {
		t.Fatalf("NewProgram:\nhave err %v\nwant nil", err)
	}
	c := NewCache(gpu)
	pl1, err := c.Compute(p)
	if err != nil {
		t.Fatalf("Compute:\nhave err %v\nwant nil", err)
	}
	pl2, err := c.Compute(p)
	if err != nil {
		t.Fatalf("Compute:\nhave err %v\nwant nil", err)
	}
	if pl1 != pl2 {
		t.Fatalf("Compute: pipeline not interned across calls")
	}
	if gpu.plCalls != 1 {
		t.Fatalf("Compute: NewPipeline calls\nhave %d\nwant 1", gpu.plCalls)
	}
}

func TestCacheGraphicsKeying(t *testing.T) {
	gpu := &fakeGPU{}
	vert, _ := NewModule(gpu, buildModule(0, false))
	frag, _ := NewModule(gpu, buildModule(4, false))
	p, err := NewProgram("graphics-prog", vert, frag)
	if err != nil {
		t.Fatalf("NewProgram:\nhave err %v\nwant nil", err)
	}
	c := NewCache(gpu)
	keyA := GraphicsKey{Program: p.Label, VertexInput: "pos-uv", Subpass: "main/0", FixedState: "opaque"}
	keyB := GraphicsKey{Program: p.Label, VertexInput: "pos-uv-normal", Subpass: "main/0", FixedState: "opaque"}

	pl1, err := c.Graphics(p, nil, 0, FixedState{}, keyA)
	if err != nil {
		t.Fatalf("Graphics(A):\nhave err %v\nwant nil", err)
	}
	pl1Again, err := c.Graphics(p, nil, 0, FixedState{}, keyA)
	if err != nil {
		t.Fatalf("Graphics(A again):\nhave err %v\nwant nil", err)
	}
	if pl1 != pl1Again {
		t.Fatalf("Graphics: same key produced distinct pipelines")
	}
	pl2, err := c.Graphics(p, nil, 0, FixedState{}, keyB)
	if err != nil {
		t.Fatalf("Graphics(B):\nhave err %v\nwant nil", err)
	}
	if pl1 == pl2 {
		t.Fatalf("Graphics: distinct keys produced the same pipeline")
	}
	// Both graphics pipelines share one descriptor table: the program
	// only has one binding, interned once.
	if gpu.tableCalls != 1 {
		t.Fatalf("Graphics: NewDescTable calls\nhave %d\nwant 1", gpu.tableCalls)
	}
}

func TestCacheReloadRebuildsModulesAndDropsPipelines(t *testing.T) {
	gpu := &fakeGPU{}
	mod, _ := NewModule(gpu, buildModule(5, false))
	p, err := NewProgram("reload-prog", mod)
	if err != nil {
		t.Fatalf("NewProgram:\nhave err %v\nwant nil", err)
	}
	c := NewCache(gpu)
	pl1, err := c.Compute(p)
	if err != nil {
		t.Fatalf("Compute:\nhave err %v\nwant nil", err)
	}
	oldCode := mod.Code.(*fakeCode)

	if err := c.Reload(p); err != nil {
		t.Fatalf("Reload:\nhave err %v\nwant nil", err)
	}
	if !oldCode.destroyed {
		t.Fatalf("Reload: old shader code not destroyed")
	}
	if mod.Code.(*fakeCode) == oldCode {
		t.Fatalf("Reload: module still references the old code object")
	}
	pl2, err := c.Compute(p)
	if err != nil {
		t.Fatalf("Compute (post-reload):\nhave err %v\nwant nil", err)
	}
	if pl1 == pl2 {
		t.Fatalf("Reload: pipeline not rebuilt")
	}
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// bindlessCap mirrors shader.BindlessCap (spec §4.B: "treated as
// bindless with a cap of 1024"); duplicated here rather than imported
// to keep this package's only render-graph dependency at the driver
// boundary (shader imports driver, not the reverse).
const bindlessCap = 1024

// DescHeap implements driver.DescHeap: one descriptor-set layout plus
// N per-frame copies of its descriptor set, allocated from a pool
// sized for exactly this layout. Grounded on vulkan-go-asche's
// buffers.go descriptor-set-layout construction
// (DescriptorSetLayoutBinding per binding), generalized from asche's
// single hard-coded uniform-buffer binding to an arbitrary
// driver.Descriptor list and multiple heap copies.
type DescHeap struct {
	gpu    *GPU
	layout vk.DescriptorSetLayout
	descs  []driver.Descriptor
	pool   vk.DescriptorPool
	sets   []vk.DescriptorSet
}

// NewDescHeap creates the set layout for ds; New must be called
// before any Set*/bind use.
func (g *GPU) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) {
	bindings := make([]vk.DescriptorSetLayoutBinding, len(ds))
	for i, d := range ds {
		n := d.Len
		variable := false
		if n <= 0 {
			n, variable = bindlessCap, true
		}
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         uint32(d.Nr),
			DescriptorType:  descType(d.Type),
			DescriptorCount: uint32(n),
			StageFlags:      vk.ShaderStageFlags(shaderStage(d.Stages)),
		}
		_ = variable // bindless/partially-bound flags set via pNext in a full implementation
	}
	var layout vk.DescriptorSetLayout
	ret := vk.CreateDescriptorSetLayout(g.dev, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}, nil, &layout)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateDescriptorSetLayout: result %d", ret)
	}
	return &DescHeap{gpu: g, layout: layout, descs: ds}, nil
}

// New allocates n copies of h's descriptor set from a freshly sized
// pool, replacing any previous copies (spec §4.C: "a fresh descriptor
// set from the current frame pool"). A call with n equal to Count is
// a no-op, per driver.DescHeap's contract.
func (h *DescHeap) New(n int) error {
	if n == len(h.sets) {
		return nil
	}
	h.freePool()
	if n == 0 {
		return nil
	}
	sizes := make([]vk.DescriptorPoolSize, 0, len(h.descs))
	for _, d := range h.descs {
		cnt := d.Len
		if cnt <= 0 {
			cnt = bindlessCap
		}
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            descType(d.Type),
			DescriptorCount: uint32(cnt * n),
		})
	}
	var pool vk.DescriptorPool
	ret := vk.CreateDescriptorPool(h.gpu.dev, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       uint32(n),
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, nil, &pool)
	if ret != vk.Success {
		return fmt.Errorf("vk: CreateDescriptorPool: result %d", ret)
	}

	layouts := make([]vk.DescriptorSetLayout, n)
	for i := range layouts {
		layouts[i] = h.layout
	}
	sets := make([]vk.DescriptorSet, n)
	ret = vk.AllocateDescriptorSets(h.gpu.dev, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: uint32(n),
		PSetLayouts:        layouts,
	}, sets)
	if ret != vk.Success {
		vk.DestroyDescriptorPool(h.gpu.dev, pool, nil)
		return fmt.Errorf("vk: AllocateDescriptorSets: result %d", ret)
	}
	h.pool, h.sets = pool, sets
	return nil
}

func (h *DescHeap) freePool() {
	if h.pool != 0 {
		vk.DestroyDescriptorPool(h.gpu.dev, h.pool, nil)
		h.pool = 0
		h.sets = nil
	}
}

// SetBuffer writes buffer-range bindings into copy cpy's descriptor
// set, starting at array index start of binding nr.
func (h *DescHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {
	if cpy < 0 || cpy >= len(h.sets) {
		return
	}
	infos := make([]vk.DescriptorBufferInfo, len(buf))
	for i := range buf {
		var vb vk.Buffer
		if b, ok := buf[i].(*Buffer); ok {
			vb = b.buf
		}
		infos[i] = vk.DescriptorBufferInfo{Buffer: vb, Offset: vk.DeviceSize(off[i]), Range: vk.DeviceSize(size[i])}
	}
	typ := h.typeOf(nr)
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.sets[cpy],
		DstBinding:      uint32(nr),
		DstArrayElement: uint32(start),
		DescriptorCount: uint32(len(infos)),
		DescriptorType:  typ,
		PBufferInfo:     infos,
	}
	vk.UpdateDescriptorSets(h.gpu.dev, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// SetImage writes image-view bindings into copy cpy's descriptor set.
func (h *DescHeap) SetImage(cpy, nr, start int, iv []driver.ImageView) {
	if cpy < 0 || cpy >= len(h.sets) {
		return
	}
	typ := h.typeOf(nr)
	layout := vk.ImageLayoutShaderReadOnlyOptimal
	if typ == vk.DescriptorTypeStorageImage {
		layout = vk.ImageLayoutGeneral
	}
	infos := make([]vk.DescriptorImageInfo, len(iv))
	for i := range iv {
		var view vk.ImageView
		if v, ok := iv[i].(*ImageView); ok {
			view = v.view
		}
		infos[i] = vk.DescriptorImageInfo{ImageView: view, ImageLayout: layout}
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.sets[cpy],
		DstBinding:      uint32(nr),
		DstArrayElement: uint32(start),
		DescriptorCount: uint32(len(infos)),
		DescriptorType:  typ,
		PImageInfo:      infos,
	}
	vk.UpdateDescriptorSets(h.gpu.dev, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// SetSampler writes sampler bindings into copy cpy's descriptor set.
func (h *DescHeap) SetSampler(cpy, nr, start int, splr []driver.Sampler) {
	if cpy < 0 || cpy >= len(h.sets) {
		return
	}
	infos := make([]vk.DescriptorImageInfo, len(splr))
	for i := range splr {
		var s vk.Sampler
		if sp, ok := splr[i].(*Sampler); ok {
			s = sp.sampler
		}
		infos[i] = vk.DescriptorImageInfo{Sampler: s}
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.sets[cpy],
		DstBinding:      uint32(nr),
		DstArrayElement: uint32(start),
		DescriptorCount: uint32(len(infos)),
		DescriptorType:  vk.DescriptorTypeSampler,
		PImageInfo:      infos,
	}
	vk.UpdateDescriptorSets(h.gpu.dev, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

func (h *DescHeap) typeOf(nr int) vk.DescriptorType {
	for _, d := range h.descs {
		if d.Nr == nr {
			return descType(d.Type)
		}
	}
	return vk.DescriptorTypeStorageBuffer
}

// Count returns the number of heap copies currently allocated.
func (h *DescHeap) Count() int { return len(h.sets) }

func (h *DescHeap) Destroy() {
	h.freePool()
	if h.layout != 0 {
		vk.DestroyDescriptorSetLayout(h.gpu.dev, h.layout, nil)
		h.layout = 0
	}
}

// DescTable implements driver.DescTable: the vk.PipelineLayout joining
// a program's descriptor-set layouts together.
type DescTable struct {
	gpu    *GPU
	layout vk.PipelineLayout
	heaps  []*DescHeap
}

// NewDescTable creates a pipeline layout over dh's set layouts.
func (g *GPU) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) {
	layouts := make([]vk.DescriptorSetLayout, len(dh))
	heaps := make([]*DescHeap, len(dh))
	for i, h := range dh {
		vh := h.(*DescHeap)
		layouts[i] = vh.layout
		heaps[i] = vh
	}
	var layout vk.PipelineLayout
	ret := vk.CreatePipelineLayout(g.dev, &vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(layouts)),
		PSetLayouts:    layouts,
	}, nil, &layout)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreatePipelineLayout: result %d", ret)
	}
	return &DescTable{gpu: g, layout: layout, heaps: heaps}, nil
}

func (t *DescTable) Destroy() {
	if t.layout != 0 {
		vk.DestroyPipelineLayout(t.gpu.dev, t.layout, nil)
		t.layout = 0
	}
}

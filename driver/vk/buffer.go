// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// Buffer implements driver.Buffer, grounded on vulkan-go-asche's
// CoreBuffer (buffers.go): a vk.Buffer plus its bound vk.DeviceMemory,
// generalized to any Usage combination rather than asche's
// hard-coded vertex-buffer bits.
type Buffer struct {
	gpu     *GPU
	buf     vk.Buffer
	mem     vk.DeviceMemory
	size    int64
	visible bool
	ptr     unsafe.Pointer
}

// NewBuffer creates a buffer of the given size, usage and visibility.
func (g *GPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	var buf vk.Buffer
	ret := vk.CreateBuffer(g.dev, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(bufferUsage(usg)),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buf)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateBuffer: result %d", ret)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(g.dev, buf, &req)
	req.Deref()

	want := vk.MemoryPropertyDeviceLocalBit
	if visible {
		want = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	idx, err := g.findMemType(req.MemoryTypeBits, want)
	if err != nil {
		vk.DestroyBuffer(g.dev, buf, nil)
		return nil, err
	}

	var mem vk.DeviceMemory
	ret = vk.AllocateMemory(g.dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: idx,
	}, nil, &mem)
	if ret != vk.Success {
		vk.DestroyBuffer(g.dev, buf, nil)
		return nil, fmt.Errorf("vk: AllocateMemory: result %d", ret)
	}
	if ret := vk.BindBufferMemory(g.dev, buf, mem, 0); ret != vk.Success {
		vk.FreeMemory(g.dev, mem, nil)
		vk.DestroyBuffer(g.dev, buf, nil)
		return nil, fmt.Errorf("vk: BindBufferMemory: result %d", ret)
	}

	b := &Buffer{gpu: g, buf: buf, mem: mem, size: int64(req.Size), visible: visible}
	if visible {
		var ptr unsafe.Pointer
		if ret := vk.MapMemory(g.dev, mem, 0, vk.DeviceSize(req.Size), 0, &ptr); ret != vk.Success {
			b.Destroy()
			return nil, fmt.Errorf("vk: MapMemory: result %d", ret)
		}
		b.ptr = ptr
	}
	return b, nil
}

func (b *Buffer) Visible() bool { return b.visible }

func (b *Buffer) Bytes() []byte {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

func (b *Buffer) Cap() int64 { return b.size }

func (b *Buffer) Destroy() {
	if b.ptr != nil {
		vk.UnmapMemory(b.gpu.dev, b.mem)
		b.ptr = nil
	}
	if b.buf != 0 {
		vk.DestroyBuffer(b.gpu.dev, b.buf, nil)
		b.buf = 0
	}
	if b.mem != 0 {
		vk.FreeMemory(b.gpu.dev, b.mem, nil)
		b.mem = 0
	}
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// Image implements driver.Image. pool.Image already interns views by
// range (spec §3: "Views are interned per-image"), so unlike
// vulkan-go-asche's bare vk.Image handling this type does not keep its
// own view cache; NewView always creates a fresh vk.ImageView, and the
// pool layer above decides when that is necessary.
type Image struct {
	gpu    *GPU
	img    vk.Image
	mem    vk.DeviceMemory
	pf     driver.PixelFmt
	extent vk.Extent3D
	layers int
	levels int
	owned  bool // false for externally-owned images (swapchain backbuffers)
}

// NewImage creates an image of the given format, size, layer/mip
// counts and usage.
func (g *GPU) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	imgType := vk.ImageType2d
	if size.Depth > 1 {
		imgType = vk.ImageType3d
	}
	var flags vk.ImageCreateFlagBits
	if layers == 6 {
		flags |= vk.ImageCreateCubeCompatibleBit
	}
	if levels < 1 {
		levels = 1
	}
	if layers < 1 {
		layers = 1
	}
	if samples < 1 {
		samples = 1
	}

	var img vk.Image
	ret := vk.CreateImage(g.dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		Flags:     vk.ImageCreateFlags(flags),
		ImageType: imgType,
		Format:    pixelFmt(pf),
		Extent: vk.Extent3D{
			Width:  uint32(size.Width),
			Height: uint32(size.Height),
			Depth:  uint32(size.Depth),
		},
		MipLevels:     uint32(levels),
		ArrayLayers:   uint32(layers),
		Samples:       vk.SampleCountFlagBits(samples),
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(imageUsage(usg)),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &img)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateImage: result %d", ret)
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(g.dev, img, &req)
	req.Deref()
	idx, err := g.findMemType(req.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(g.dev, img, nil)
		return nil, err
	}
	var mem vk.DeviceMemory
	ret = vk.AllocateMemory(g.dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: idx,
	}, nil, &mem)
	if ret != vk.Success {
		vk.DestroyImage(g.dev, img, nil)
		return nil, fmt.Errorf("vk: AllocateMemory: result %d", ret)
	}
	if ret := vk.BindImageMemory(g.dev, img, mem, 0); ret != vk.Success {
		vk.FreeMemory(g.dev, mem, nil)
		vk.DestroyImage(g.dev, img, nil)
		return nil, fmt.Errorf("vk: BindImageMemory: result %d", ret)
	}

	return &Image{
		gpu: g, img: img, mem: mem, pf: pf,
		extent: vk.Extent3D{Width: uint32(size.Width), Height: uint32(size.Height), Depth: uint32(size.Depth)},
		layers: layers, levels: levels, owned: true,
	}, nil
}

// importImage wraps an externally-owned vk.Image (a swapchain
// backbuffer) so it can be used through the same driver.Image
// interface, without taking ownership of its memory or lifetime.
func importImage(g *GPU, img vk.Image, pf driver.PixelFmt, w, h uint32) *Image {
	return &Image{
		gpu: g, img: img, pf: pf,
		extent: vk.Extent3D{Width: w, Height: h, Depth: 1},
		layers: 1, levels: 1, owned: false,
	}
}

// NewView creates a view of the given type over the given layer/mip
// range.
func (i *Image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	rng := vk.ImageSubresourceRange{
		AspectMask:     vk.ImageAspectFlags(aspectMask(i.pf)),
		BaseMipLevel:   uint32(level),
		LevelCount:     uint32(levels),
		BaseArrayLayer: uint32(layer),
		LayerCount:     uint32(layers),
	}
	var view vk.ImageView
	ret := vk.CreateImageView(i.gpu.dev, &vk.ImageViewCreateInfo{
		SType:            vk.StructureTypeImageViewCreateInfo,
		Image:            i.img,
		ViewType:         viewType(typ),
		Format:           pixelFmt(i.pf),
		SubresourceRange: rng,
	}, nil, &view)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateImageView: result %d", ret)
	}
	return &ImageView{gpu: i.gpu, view: view, image: i, subresource: rng}, nil
}

func (i *Image) Destroy() {
	if i.owned {
		if i.img != 0 {
			vk.DestroyImage(i.gpu.dev, i.img, nil)
		}
		if i.mem != 0 {
			vk.FreeMemory(i.gpu.dev, i.mem, nil)
		}
	}
	i.img, i.mem = 0, 0
}

// ImageView implements driver.ImageView. image and subresource are
// retained so CmdBuffer.Transition (cmdbuf.go) can issue a layout
// transition against the exact vk.Image and subresource range this
// view was created over, without the caller having to pass the image
// again.
type ImageView struct {
	gpu         *GPU
	view        vk.ImageView
	image       *Image
	subresource vk.ImageSubresourceRange
}

func (v *ImageView) Destroy() {
	if v.view != 0 {
		vk.DestroyImageView(v.gpu.dev, v.view, nil)
		v.view = 0
	}
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/pool"
	"github.com/tesseract-gfx/rendergraph/track"
)

// Builder is the setup-time handle a task's setup function uses to
// declare resource uses (spec §4.E, §6). Every method corresponds to
// one row of spec §4.E's declaration table.
type Builder struct {
	g   *Graph
	idx int

	prepareBackbuffer bool
}

func (b *Builder) useImage(img ImageId, mip, layer int, state track.ImageState) error {
	sub := track.ImageSubresourceId{Image: img, Mip: mip, Layer: layer}
	return b.g.tracker.UseImage(b.idx, sub, state)
}

func (b *Builder) useImageRange(img ImageId, mipStart, mipCount, layerStart, layerCount int, state track.ImageState) error {
	for l := layerStart; l < layerStart+layerCount; l++ {
		for m := mipStart; m < mipStart+mipCount; m++ {
			if err := b.useImage(img, m, l, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func viewType(layerCount int) driver.ViewType {
	if layerCount > 1 {
		return driver.IView2DArray
	}
	return driver.IView2D
}

// UseColorAttachment declares that this task writes to img's
// (mip,layer) subresource as a color render target.
func (b *Builder) UseColorAttachment(img ImageId, mip, layer int) (ImageViewId, error) {
	if err := b.useImage(img, mip, layer, track.ColorAttachment()); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: driver.IView2D, Aspect: pool.AspectColor, BaseLayer: layer, Layers: 1, BaseLevel: mip, Levels: 1}}, nil
}

// UseDepthAttachment declares that this task writes to img's
// (mip,layer) subresource as a depth/stencil render target.
func (b *Builder) UseDepthAttachment(img ImageId, mip, layer int) (ImageViewId, error) {
	if err := b.useImage(img, mip, layer, track.DepthAttachment()); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: driver.IView2D, Aspect: pool.AspectDepthStencil, BaseLayer: layer, Layers: 1, BaseLevel: mip, Levels: 1}}, nil
}

// UseStorageImage declares that this task reads and writes img's
// (mip,layer) subresource from the given shader stages.
func (b *Builder) UseStorageImage(img ImageId, mip, layer int, stages driver.Stage) (ImageViewId, error) {
	if err := b.useImage(img, mip, layer, track.StorageImage(stages)); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: driver.IView2D, Aspect: pool.AspectColor, BaseLayer: layer, Layers: 1, BaseLevel: mip, Levels: 1}}, nil
}

// SampleImage declares that this task samples the given mip/layer
// range of img from the given shader stages.
func (b *Builder) SampleImage(img ImageId, mipStart, mipCount, layerStart, layerCount int, stages driver.Stage) (ImageViewId, error) {
	if err := b.useImageRange(img, mipStart, mipCount, layerStart, layerCount, track.SampleImage(stages)); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: viewType(layerCount), Aspect: pool.AspectColor, BaseLayer: layerStart, Layers: layerCount, BaseLevel: mipStart, Levels: mipCount}}, nil
}

// SampleCubemap declares that this task samples every layer and mip
// of img (spec §4.E: "all 6 layers x all mips") from the given shader
// stages.
func (b *Builder) SampleCubemap(img ImageId, stages driver.Stage) (ImageViewId, error) {
	info, err := b.g.GetDescriptor(img)
	if err != nil {
		return ImageViewId{}, err
	}
	if err := b.useImageRange(img, 0, info.MipLevels, 0, info.ArrayLayers, track.SampleImage(stages)); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: driver.IViewCube, Aspect: pool.AspectColor, BaseLayer: 0, Layers: info.ArrayLayers, BaseLevel: 0, Levels: info.MipLevels}}, nil
}

// TransferReadImage declares that this task reads the given mip/layer
// range of img as a transfer source.
func (b *Builder) TransferReadImage(img ImageId, mipStart, mipCount, layerStart, layerCount int) (ImageViewId, error) {
	if err := b.useImageRange(img, mipStart, mipCount, layerStart, layerCount, track.TransferReadImage()); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: viewType(layerCount), Aspect: pool.AspectColor, BaseLayer: layerStart, Layers: layerCount, BaseLevel: mipStart, Levels: mipCount}}, nil
}

// TransferWriteImage declares that this task writes the given
// mip/layer range of img as a transfer destination.
func (b *Builder) TransferWriteImage(img ImageId, mipStart, mipCount, layerStart, layerCount int) (ImageViewId, error) {
	if err := b.useImageRange(img, mipStart, mipCount, layerStart, layerCount, track.TransferWriteImage()); err != nil {
		return ImageViewId{}, err
	}
	return ImageViewId{img, pool.ViewKey{Type: viewType(layerCount), Aspect: pool.AspectColor, BaseLayer: layerStart, Layers: layerCount, BaseLevel: mipStart, Levels: mipCount}}, nil
}

// UseUniformBuffer declares that this task reads buf as a uniform
// buffer from the given shader stages.
func (b *Builder) UseUniformBuffer(buf BufferId, stages driver.Stage) error {
	return b.g.tracker.UseBuffer(b.idx, buf, track.UniformBuffer(stages))
}

// UseStorageBuffer declares that this task reads (and, unless
// readonly, writes) buf from the given shader stages.
func (b *Builder) UseStorageBuffer(buf BufferId, stages driver.Stage, readonly bool) error {
	return b.g.tracker.UseBuffer(b.idx, buf, track.StorageBuffer(stages, readonly))
}

// UseIndirectBuffer declares that this task reads buf as an indirect
// draw/dispatch argument buffer.
func (b *Builder) UseIndirectBuffer(buf BufferId) error {
	return b.g.tracker.UseBuffer(b.idx, buf, track.IndirectBuffer())
}

// TransferWriteBuffer declares that this task writes buf as a transfer
// destination.
func (b *Builder) TransferWriteBuffer(buf BufferId) error {
	return b.g.tracker.UseBuffer(b.idx, buf, track.TransferWriteBuffer())
}

// PrepareBackbuffer declares that this task transitions the backbuffer
// to its presentable layout. Calling it marks the whole frame for
// presentation (spec §4.F step 5).
func (b *Builder) PrepareBackbuffer() error {
	if err := b.useImage(b.g.backbuffer, 0, 0, track.PrepareBackbuffer()); err != nil {
		return err
	}
	b.prepareBackbuffer = true
	return nil
}

// UseBackbufferAttachment declares that this task writes the
// backbuffer as a color render target (spec §4.E's
// use_backbuffer_attachment).
func (b *Builder) UseBackbufferAttachment() (ImageViewId, error) {
	return b.UseColorAttachment(b.g.backbuffer, 0, 0)
}

// GetImageInfo returns the resolution/format of view's underlying
// image.
func (b *Builder) GetImageInfo(view ImageViewId) (ImageInfo, error) {
	return b.g.GetDescriptor(view.Image)
}

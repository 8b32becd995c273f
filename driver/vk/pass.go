// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// RenderPass implements driver.RenderPass. Grounded on
// vulkan-go-asche's device.go CreateRenderPass (a single color
// attachment, single subpass, fixed load/store), generalized to an
// arbitrary attachment list and multi-subpass Subpass slice.
type RenderPass struct {
	gpu  *GPU
	pass vk.RenderPass
	att  []driver.Attachment
}

// NewRenderPass creates a render pass over att, split into the
// subpasses described by sub.
func (g *GPU) NewRenderPass(att []driver.Attachment, sub []driver.Subpass) (driver.RenderPass, error) {
	descs := make([]vk.AttachmentDescription, len(att))
	for i, a := range att {
		descs[i] = vk.AttachmentDescription{
			Format:         pixelFmt(a.Format),
			Samples:        vk.SampleCountFlagBits(maxInt(a.Samples, 1)),
			LoadOp:         loadOp(a.Load[0]),
			StoreOp:        storeOp(a.Store[0]),
			StencilLoadOp:  loadOp(a.Load[1]),
			StencilStoreOp: storeOp(a.Store[1]),
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    finalLayout(a.Format),
		}
	}

	// Reference storage must outlive the loop building
	// vk.SubpassDescription, since CreateRenderPass reads through the
	// pointers it is given.
	var allColor [][]vk.AttachmentReference
	var allDS []vk.AttachmentReference
	subs := make([]vk.SubpassDescription, len(sub))
	for i, s := range sub {
		color := make([]vk.AttachmentReference, len(s.Color))
		for j, idx := range s.Color {
			color[j] = vk.AttachmentReference{Attachment: uint32(idx), Layout: vk.ImageLayoutColorAttachmentOptimal}
		}
		allColor = append(allColor, color)
		sd := vk.SubpassDescription{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: uint32(len(color)),
			PColorAttachments:    color,
		}
		if s.DS >= 0 {
			ds := vk.AttachmentReference{Attachment: uint32(s.DS), Layout: vk.ImageLayoutDepthStencilAttachmentOptimal}
			allDS = append(allDS, ds)
			sd.PDepthStencilAttachment = &allDS[len(allDS)-1]
		}
		subs[i] = sd
	}

	deps := make([]vk.SubpassDependency, 0, len(sub))
	for i, s := range sub {
		if !s.Wait {
			continue
		}
		src := uint32(vk.SubpassExternal)
		if i > 0 {
			src = uint32(i - 1)
		}
		deps = append(deps, vk.SubpassDependency{
			SrcSubpass:    src,
			DstSubpass:    uint32(i),
			SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
			DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
			SrcAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit),
		})
	}

	var pass vk.RenderPass
	ret := vk.CreateRenderPass(g.dev, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(descs)),
		PAttachments:    descs,
		SubpassCount:    uint32(len(subs)),
		PSubpasses:      subs,
		DependencyCount: uint32(len(deps)),
		PDependencies:   deps,
	}, nil, &pass)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateRenderPass: result %d", ret)
	}
	return &RenderPass{gpu: g, pass: pass, att: att}, nil
}

// NewFB creates a framebuffer whose attachments are iv, in render
// pass attachment order.
func (p *RenderPass) NewFB(iv []driver.ImageView, width, height, layers int) (driver.Framebuf, error) {
	views := make([]vk.ImageView, len(iv))
	for i, v := range iv {
		if vv, ok := v.(*ImageView); ok {
			views[i] = vv.view
		}
	}
	var fb vk.Framebuffer
	ret := vk.CreateFramebuffer(p.gpu.dev, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      p.pass,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           uint32(width),
		Height:          uint32(height),
		Layers:          uint32(layers),
	}, nil, &fb)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateFramebuffer: result %d", ret)
	}
	return &Framebuf{gpu: p.gpu, fb: fb}, nil
}

func (p *RenderPass) Destroy() {
	if p.pass != 0 {
		vk.DestroyRenderPass(p.gpu.dev, p.pass, nil)
		p.pass = 0
	}
}

// Framebuf implements driver.Framebuf.
type Framebuf struct {
	gpu *GPU
	fb  vk.Framebuffer
}

func (f *Framebuf) Destroy() {
	if f.fb != 0 {
		vk.DestroyFramebuffer(f.gpu.dev, f.fb, nil)
		f.fb = 0
	}
}

func loadOp(op driver.LoadOp) vk.AttachmentLoadOp {
	switch op {
	case driver.LClear:
		return vk.AttachmentLoadOpClear
	case driver.LLoad:
		return vk.AttachmentLoadOpLoad
	default:
		return vk.AttachmentLoadOpDontCare
	}
}

func storeOp(op driver.StoreOp) vk.AttachmentStoreOp {
	if op == driver.SStore {
		return vk.AttachmentStoreOpStore
	}
	return vk.AttachmentStoreOpDontCare
}

// finalLayout picks the layout a render pass leaves an attachment in.
// The graph orchestrator always issues its own driver.Transition
// before any subsequent use (SPEC_FULL.md §4.F), so this only needs to
// be a layout the image can legally end a pass in.
func finalLayout(pf driver.PixelFmt) vk.ImageLayout {
	switch pf {
	case driver.D16un, driver.D32f, driver.S8ui, driver.D24unS8ui, driver.D32fS8ui:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	default:
		return vk.ImageLayoutColorAttachmentOptimal
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"fmt"

	"github.com/tesseract-gfx/rendergraph/binder"
	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/shader"
)

// RenderResources is the read-only handle a task's record function
// uses to resolve the ids it declared at setup time into live driver
// objects (spec §4.F's record-time resource resolution).
type RenderResources struct {
	g          *Graph
	frameIndex int
	slot       int
}

// FrameIndex returns the monotonically increasing frame counter for
// this recording.
func (r *RenderResources) FrameIndex() int { return r.frameIndex }

// GetImage resolves id (following any Remap alias) to its driver.Image.
// It fails for a virtual id (the backbuffer or one of its aliases),
// since the swapchain does not expose a driver.Image; use GetView for
// those.
func (r *RenderResources) GetImage(id ImageId) (driver.Image, error) {
	resolved := r.g.resolve(id)
	if _, ok := r.g.virtualIndex(resolved); ok {
		return nil, fmt.Errorf("graph: %v is a swapchain image, has no driver.Image", id)
	}
	img, err := r.g.mgr.Images.Peek(resolved)
	if err != nil {
		return nil, err
	}
	return img.Driver, nil
}

// GetBuffer resolves id to its driver.Buffer.
func (r *RenderResources) GetBuffer(id BufferId) (driver.Buffer, error) {
	buf, err := r.g.mgr.Buffers.Peek(id)
	if err != nil {
		return nil, err
	}
	return buf.Driver, nil
}

// GetView resolves a view declared at setup time (via one of Builder's
// Use*/Sample*/Transfer* methods) into the interned driver.ImageView it
// names.
func (r *RenderResources) GetView(view ImageViewId) (driver.ImageView, error) {
	resolved := r.g.resolve(view.Image)
	if idx, ok := r.g.virtualIndex(resolved); ok {
		return r.g.scViews[idx], nil
	}
	img, err := r.g.mgr.Images.Peek(resolved)
	if err != nil {
		return nil, err
	}
	return img.View(view.Key)
}

// Binder returns the persistent descriptor binder for p (see
// Graph.Binder).
func (r *RenderResources) Binder(p *shader.Program) (*binder.Binder, error) {
	return r.g.Binder(p)
}

// UBOAlloc carves size bytes out of this frame's uniform ring and
// returns the backing buffer, its byte offset and a slice to write
// into (spec §6's ubo_pool, SPEC_FULL.md §C.5).
func (r *RenderResources) UBOAlloc(size int64) (driver.Buffer, int64, []byte, error) {
	return r.g.ubo.Alloc(r.slot, size)
}

// Cache returns the shader cache backing this graph's pipelines.
func (r *RenderResources) Cache() *shader.Cache { return r.g.cache }

// GetDescriptor returns id's resolution/format (see Graph.GetDescriptor).
func (r *RenderResources) GetDescriptor(id ImageId) (ImageInfo, error) {
	return r.g.GetDescriptor(id)
}

// CmdContext is the command-recording handle passed to a task's record
// function. It wraps the active driver.CmdBuffer with the subset of
// operations spec §6 lists as the graph's recording surface, plus the
// push-constant and clear-value helpers SPEC_FULL.md §C.3/§C.5 add.
type CmdContext struct {
	cmd  driver.CmdBuffer
	res  *RenderResources
	pass driver.RenderPass
}

// SetFramebuffer begins a render pass over fb, built from pass's
// attachment layout, clearing attachments per clear (spec §4.E/§6;
// there is no mid-pass dynamic clear command, so clearing is expressed
// through the pass's load ops exactly as the driver models it).
func (c *CmdContext) SetFramebuffer(pass driver.RenderPass, fb driver.Framebuf, clear []driver.ClearValue) {
	c.cmd.BeginPass(pass, fb, clear)
	c.pass = pass
}

// NextSubpass advances to the render pass' next subpass.
func (c *CmdContext) NextSubpass() { c.cmd.NextSubpass() }

// EndRenderPass ends the active render pass.
func (c *CmdContext) EndRenderPass() {
	c.cmd.EndPass()
	c.pass = nil
}

// ClearColor builds a color ClearValue.
func ClearColor(r, g, b, a float32) driver.ClearValue {
	return driver.ClearValue{Color: [4]float32{r, g, b, a}}
}

// ClearDepthStencil builds a depth/stencil ClearValue.
func ClearDepthStencil(depth float32, stencil uint32) driver.ClearValue {
	return driver.ClearValue{Depth: depth, Stencil: stencil}
}

// BindPipelineGraphics sets the active graphics pipeline.
func (c *CmdContext) BindPipelineGraphics(p driver.Pipeline) { c.cmd.SetPipeline(p) }

// BindPipelineCompute sets the active compute pipeline.
func (c *CmdContext) BindPipelineCompute(p driver.Pipeline) { c.cmd.SetPipeline(p) }

// BindDescriptorsGraphics flushes b's dirty slots for this frame and
// binds its table at startSet for subsequent graphics draws.
func (c *CmdContext) BindDescriptorsGraphics(b *binder.Binder, startSet int) error {
	return b.Flush(c.cmd, c.res.frameIndex, startSet, true)
}

// BindDescriptorsCompute flushes b's dirty slots for this frame and
// binds its table at startSet for subsequent dispatches.
func (c *CmdContext) BindDescriptorsCompute(b *binder.Binder, startSet int) error {
	return b.Flush(c.cmd, c.res.frameIndex, startSet, false)
}

// BindViewport sets one or more viewports.
func (c *CmdContext) BindViewport(vp ...driver.Viewport) { c.cmd.SetViewport(vp) }

// BindScissor sets one or more scissor rectangles.
func (c *CmdContext) BindScissor(sciss ...driver.Scissor) { c.cmd.SetScissor(sciss) }

// BindVertexBuffers sets one or more vertex buffers starting at start.
func (c *CmdContext) BindVertexBuffers(start int, buf []driver.Buffer, off []int64) {
	c.cmd.SetVertexBuf(start, buf, off)
}

// BindIndexBuffer sets the index buffer.
func (c *CmdContext) BindIndexBuffer(format driver.IndexFmt, buf driver.Buffer, off int64) {
	c.cmd.SetIndexBuf(format, buf, off)
}

// pushConstantBinding is the reserved binding number, within the set
// the caller passes, emulating push constants through the uniform
// ring, since the driver has no native
// push-constant primitive (SPEC_FULL.md §C.5).
const pushConstantBinding = 0

// PushConstantsGraphics uploads data to this frame's uniform ring and
// binds it at b's pushConstantBinding slot for graphics use. It is the
// emulation SPEC_FULL.md §C.5 describes for spec §6's push_constants,
// since the driver exposes no dedicated push-constant command.
func (c *CmdContext) PushConstantsGraphics(b *binder.Binder, set int, data []byte) error {
	buf, off, dst, err := c.res.UBOAlloc(int64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	if err := b.SetDynamic(set, pushConstantBinding, 0, buf, off, int64(len(data))); err != nil {
		return err
	}
	return c.BindDescriptorsGraphics(b, set)
}

// PushConstantsCompute is PushConstantsGraphics' compute counterpart.
func (c *CmdContext) PushConstantsCompute(b *binder.Binder, set int, data []byte) error {
	buf, off, dst, err := c.res.UBOAlloc(int64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	if err := b.SetDynamic(set, pushConstantBinding, 0, buf, off, int64(len(data))); err != nil {
		return err
	}
	return c.BindDescriptorsCompute(b, set)
}

// Draw records a non-indexed draw call.
func (c *CmdContext) Draw(vertCount, instCount, baseVert, baseInst int) {
	c.cmd.Draw(vertCount, instCount, baseVert, baseInst)
}

// DrawIndexed records an indexed draw call.
func (c *CmdContext) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {
	c.cmd.DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst)
}

// Dispatch records a compute dispatch.
func (c *CmdContext) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	c.cmd.Dispatch(grpCountX, grpCountY, grpCountZ)
}

// DispatchIndirect records an indirect compute dispatch reading its
// group count from buf at off.
func (c *CmdContext) DispatchIndirect(buf driver.Buffer, off int64) {
	c.cmd.DispatchIndirect(buf, off)
}

// CopyBuffer records a buffer-to-buffer copy.
func (c *CmdContext) CopyBuffer(param *driver.BufferCopy) { c.cmd.CopyBuffer(param) }

// CopyImage records an image-to-image copy.
func (c *CmdContext) CopyImage(param *driver.ImageCopy) { c.cmd.CopyImage(param) }

// CopyBufToImg records a buffer-to-image copy.
func (c *CmdContext) CopyBufToImg(param *driver.BufImgCopy) { c.cmd.CopyBufToImg(param) }

// CopyImgToBuf records an image-to-buffer copy.
func (c *CmdContext) CopyImgToBuf(param *driver.BufImgCopy) { c.cmd.CopyImgToBuf(param) }

// Fill records a buffer fill.
func (c *CmdContext) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	c.cmd.Fill(buf, off, value, size)
}

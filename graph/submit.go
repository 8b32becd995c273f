// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/track"
)

// bufferBarrier accumulates every buffer barrier in a task slot into a
// single driver.Barrier (spec §4.E: "Combine all buffer barriers for a
// given task edge into a single pipeline-barrier command"). Image
// barriers are emitted separately, each as its own driver.Transition,
// since a Transition also carries the subresource's layout change.
func bufferBarrier(bb []track.BufferBarrier) (driver.Barrier, bool) {
	if len(bb) == 0 {
		return driver.Barrier{}, false
	}
	var b driver.Barrier
	for _, e := range bb {
		b.SyncBefore |= e.Src.Stages
		b.SyncAfter |= e.Dst.Stages
		b.AccessBefore |= e.Src.Access
		b.AccessAfter |= e.Dst.Access
	}
	return b, true
}

// Submit runs spec §4.F's full per-frame algorithm: it flushes the
// tracker's pending barrier windows, begins the frame on the pacer,
// resolves the backbuffer alias to the image the swapchain actually
// acquired, then for every queued task emits that task's synthesized
// barriers and invokes its record function, ending any render pass the
// task left open. If any task declared prepare_backbuffer, the frame
// is presented; otherwise it is submitted without presentation (an
// offscreen Graph never presents). Finally it releases the frame's
// deferred destructions via the resource pool's kill-list collection.
func (g *Graph) Submit() error {
	g.tracker.Flush()

	cmd, slot, err := g.pacer.Begin()
	if err != nil {
		return err
	}
	g.ubo.Reset(slot)

	onscreen := len(g.scImageIds) > 0
	if onscreen && g.pacer.BackbufferIndex() != 0 {
		g.Remap(g.backbuffer, g.scImageIds[g.pacer.BackbufferIndex()])
		defer g.Unmap(g.backbuffer)
	}

	present := false
	res := &RenderResources{g: g, frameIndex: g.pacer.FrameIndex(), slot: slot}
	ctx := &CmdContext{cmd: cmd, res: res}

	for i, t := range g.tasks {
		tb := g.tracker.Barriers(i)
		if !tb.Empty() {
			if len(tb.Images) > 0 {
				trans := make([]driver.Transition, 0, len(tb.Images))
				for _, ib := range tb.Images {
					view, err := g.viewForSubresource(ib.Sub.Image, ib.Sub.Mip, ib.Sub.Layer)
					if err != nil {
						return err
					}
					trans = append(trans, driver.Transition{
						Barrier: driver.Barrier{
							SyncBefore:   ib.Src.Stages,
							SyncAfter:    ib.Dst.Stages,
							AccessBefore: ib.Src.Access,
							AccessAfter:  ib.Dst.Access,
						},
						LayoutBefore: ib.Src.Layout,
						LayoutAfter:  ib.Dst.Layout,
						IView:        view,
					})
				}
				cmd.Transition(trans)
			}
			if b, ok := bufferBarrier(tb.Buffers); ok {
				cmd.Barrier([]driver.Barrier{b})
			}
		}

		if t.record != nil {
			t.record(res, ctx)
		}
		if ctx.pass != nil {
			ctx.EndRenderPass()
		}
		if t.prepareBackbuffer {
			present = true
		}
	}

	if err := g.pacer.Submit(cmd, present && onscreen); err != nil {
		return err
	}
	g.mgr.Collect(g.pacer.FrameIndex())
	return nil
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/wsi"
)

// glfwWindower is implemented by wsi.Window values created through the
// generic (glfw) backend (wsi/wsi_generic.go). Matched structurally so
// this package need not import an interface type from wsi for a single
// method.
type glfwWindower interface {
	GLFWWindow() *glfw.Window
}

// glfwInstanceExtensions returns the instance extensions glfw reports
// as required for presentation, grounded on vulkan-go-asche's
// platform.go (app.VulkanInstanceExtensions() resolved through
// glfw.GetRequiredInstanceExtensions before CreateInstance).
func glfwInstanceExtensions() []string {
	exts := glfw.GetRequiredInstanceExtensions()
	out := make([]string, len(exts))
	for i, e := range exts {
		out[i] = e + "\x00"
	}
	return out
}

// createSurface creates a vk.Surface for win. Only the generic (glfw)
// backend is supported: the native xcb/win32/wayland backends
// (wsi/wsi_xcb.go, wsi/wsi_windows.go, wsi/wsi_wayland.go) do not
// expose their connection/window handles outside the wsi package, and
// wiring VK_KHR_xcb_surface/win32_surface/wayland_surface against them
// is future work (see DESIGN.md).
func (g *GPU) createSurface(win wsi.Window) (vk.Surface, error) {
	gw, ok := win.(glfwWindower)
	if !ok {
		return vk.NullSurface, fmt.Errorf("%w: vk driver can only create a surface for a glfw-backed window", driver.ErrWindow)
	}
	surf, err := gw.GLFWWindow().CreateWindowSurface(g.inst, nil)
	if err != nil {
		return vk.NullSurface, fmt.Errorf("%w: %v", driver.ErrWindow, err)
	}
	return vk.SurfaceFromPointer(surf), nil
}

// Swapchain implements driver.Swapchain. Grounded on
// vulkan-go-asche's CoreSwapchain (swapchain.go) for the capability
// query/format-selection/image-view sequence, generalized to spec §6's
// selection policy (mailbox-preferred present mode, sRGB BGRA8
// surface format) in place of asche's hard-coded FIFO/BGRA choice.
type Swapchain struct {
	gpu  *GPU
	win  wsi.Window
	surf vk.Surface
	sc   vk.Swapchain

	format     vk.SurfaceFormat
	presentMode vk.PresentMode
	extent     vk.Extent2D
	imageCount int

	images []*Image
	views  []*ImageView

	// acquireFence guards vk.AcquireNextImageKHR: since GPU.Commit
	// (gpu.go) has no wait-semaphore parameter to hand an
	// acquire-complete semaphore to, Next blocks on a fence instead of
	// signaling a semaphore the eventual submission could wait on.
	// This trades spec §4.D's "no CPU wait on acquire" claim for
	// correctness against the Commit signature actually available;
	// see DESIGN.md.
	acquireFence vk.Fence
	acquired     int
}

// NewSwapchain creates a Swapchain for win with at least imageCount
// images, selecting present mode and surface format per spec §6:
// mailbox preferred over FIFO, 8-bit sRGB BGRA preferred, falling back
// to whatever the surface actually offers. Extent is clamped to the
// surface's reported min/max.
func (g *GPU) NewSwapchain(win wsi.Window, imageCount int) (driver.Swapchain, error) {
	surf, err := g.createSurface(win)
	if err != nil {
		return nil, err
	}

	var supported vk.Bool32
	if ret := vk.GetPhysicalDeviceSurfaceSupport(g.phys, g.family, surf, &supported); ret != vk.Success || supported == vk.False {
		vk.DestroySurface(g.inst, surf, nil)
		return nil, fmt.Errorf("%w: queue family does not support this surface", driver.ErrWindow)
	}

	var fence vk.Fence
	if ret := vk.CreateFence(g.dev, &vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}, nil, &fence); ret != vk.Success {
		vk.DestroySurface(g.inst, surf, nil)
		return nil, fmt.Errorf("vk: CreateFence: result %d", ret)
	}

	sc := &Swapchain{gpu: g, win: win, surf: surf, acquireFence: fence, imageCount: imageCount}
	if err := sc.create(vk.NullSwapchain); err != nil {
		vk.DestroyFence(g.dev, fence, nil)
		vk.DestroySurface(g.inst, surf, nil)
		return nil, err
	}
	return sc, nil
}

// create (re)builds the swapchain, reusing old as vk.SwapchainCreateInfo.OldSwapchain.
func (s *Swapchain) create(old vk.Swapchain) error {
	g := s.gpu

	var caps vk.SurfaceCapabilities
	if ret := vk.GetPhysicalDeviceSurfaceCapabilities(g.phys, s.surf, &caps); ret != vk.Success {
		return fmt.Errorf("%w: GetPhysicalDeviceSurfaceCapabilities: result %d", driver.ErrSwapchain, ret)
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	var fmtCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(g.phys, s.surf, &fmtCount, nil)
	formats := make([]vk.SurfaceFormat, fmtCount)
	vk.GetPhysicalDeviceSurfaceFormats(g.phys, s.surf, &fmtCount, formats)
	for i := range formats {
		formats[i].Deref()
	}
	s.format = pickSurfaceFormat(formats)

	var pmCount uint32
	vk.GetPhysicalDeviceSurfacePresentModes(g.phys, s.surf, &pmCount, nil)
	modes := make([]vk.PresentMode, pmCount)
	vk.GetPhysicalDeviceSurfacePresentModes(g.phys, s.surf, &pmCount, modes)
	s.presentMode = pickPresentMode(modes)

	extent := caps.CurrentExtent
	if extent.Width == vk.MaxUint32 {
		w, h := s.win.Width(), s.win.Height()
		extent = vk.Extent2D{Width: uint32(w), Height: uint32(h)}
	}
	extent.Width = clampU32(extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	extent.Height = clampU32(extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)
	s.extent = extent

	count := uint32(s.imageCount)
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	if count < caps.MinImageCount {
		count = caps.MinImageCount
	}

	var newSC vk.Swapchain
	ret := vk.CreateSwapchain(g.dev, &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          s.surf,
		MinImageCount:    count,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      s.presentMode,
		Clipped:          vk.True,
		OldSwapchain:     old,
	}, nil, &newSC)
	if old != vk.NullSwapchain {
		vk.DestroySwapchain(g.dev, old, nil)
	}
	if ret != vk.Success {
		return fmt.Errorf("%w: CreateSwapchain: result %d", driver.ErrSwapchain, ret)
	}
	s.sc = newSC

	var n uint32
	vk.GetSwapchainImages(g.dev, s.sc, &n, nil)
	raw := make([]vk.Image, n)
	vk.GetSwapchainImages(g.dev, s.sc, &n, raw)

	pf := pixelFmtFromVk(s.format.Format)
	s.images = make([]*Image, n)
	s.views = make([]*ImageView, n)
	for i, img := range raw {
		s.images[i] = importImage(g, img, pf, extent.Width, extent.Height)
		view, err := s.images[i].NewView(driver.IView2D, 0, 1, 0, 1)
		if err != nil {
			return fmt.Errorf("%w: backbuffer view: %v", driver.ErrSwapchain, err)
		}
		s.views[i] = view.(*ImageView)
	}
	return nil
}

// Views returns the swapchain's image views.
func (s *Swapchain) Views() []driver.ImageView {
	out := make([]driver.ImageView, len(s.views))
	for i, v := range s.views {
		out[i] = v
	}
	return out
}

// Format returns the swapchain images' pixel format.
func (s *Swapchain) Format() driver.PixelFmt { return pixelFmtFromVk(s.format.Format) }

// Next acquires the next writable image, blocking on acquireFence
// until the device reports it ready (see the acquireFence field
// comment).
func (s *Swapchain) Next(cb driver.CmdBuffer) (int, error) {
	var idx uint32
	var noSem vk.Semaphore
	ret := vk.AcquireNextImage(s.gpu.dev, s.sc, vk.MaxUint64, noSem, s.acquireFence, &idx)
	switch ret {
	case vk.Success, vk.Suboptimal:
		// fall through; Suboptimal is surfaced by Present once this
		// frame has shown, matching the teacher's convention of
		// reporting staleness at the next boundary that can retry.
	case vk.ErrorOutOfDate:
		return 0, fmt.Errorf("%w: swapchain out of date", driver.ErrSwapchain)
	default:
		return 0, fmt.Errorf("%w: AcquireNextImage: result %d", driver.ErrSwapchain, ret)
	}
	if r := vk.WaitForFences(s.gpu.dev, 1, []vk.Fence{s.acquireFence}, vk.True, vk.MaxUint64); r != vk.Success {
		return 0, fmt.Errorf("%w: WaitForFences(acquire): result %d", driver.ErrSwapchain, r)
	}
	vk.ResetFences(s.gpu.dev, 1, []vk.Fence{s.acquireFence})
	s.acquired = int(idx)
	return s.acquired, nil
}

// Present presents the image at index. Since GPU.Commit (gpu.go)
// completes asynchronously via a channel rather than a semaphore
// Present could wait on, Present first drains the queue synchronously
// (vk.QueueWaitIdle) so that the image's last writer has definitely
// finished before vkQueuePresentKHR is issued; this is the most
// conservative correct choice available given Commit's signature, at
// the cost of spec §4.D's "non-blocking present" ambition. See
// DESIGN.md.
func (s *Swapchain) Present(index int, cb driver.CmdBuffer) error {
	if ret := vk.QueueWaitIdle(s.gpu.queue); ret != vk.Success {
		return fmt.Errorf("%w: QueueWaitIdle: result %d", driver.ErrSwapchain, ret)
	}
	idx := uint32(index)
	ret := vk.QueuePresent(s.gpu.queue, &vk.PresentInfo{
		SType:          vk.StructureTypePresentInfo,
		SwapchainCount: 1,
		PSwapchains:    []vk.Swapchain{s.sc},
		PImageIndices:  []uint32{idx},
	})
	switch ret {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		return fmt.Errorf("%w: stale swapchain on present", driver.ErrSwapchain)
	default:
		return fmt.Errorf("%w: QueuePresent: result %d", driver.ErrSwapchain, ret)
	}
}

// Recreate rebuilds the swapchain against the same surface, in
// response to an ErrSwapchain error from Next or Present.
func (s *Swapchain) Recreate() error {
	vk.DeviceWaitIdle(s.gpu.dev)
	for _, v := range s.views {
		v.Destroy()
	}
	old := s.sc
	return s.create(old)
}

// Destroy releases the swapchain, its image views and the surface.
func (s *Swapchain) Destroy() {
	for _, v := range s.views {
		v.Destroy()
	}
	if s.sc != vk.NullSwapchain {
		vk.DestroySwapchain(s.gpu.dev, s.sc, nil)
	}
	if s.surf != vk.NullSurface {
		vk.DestroySurface(s.gpu.inst, s.surf, nil)
	}
	if s.acquireFence != 0 {
		vk.DestroyFence(s.gpu.dev, s.acquireFence, nil)
	}
}

// pickSurfaceFormat implements spec §6's format selection: an 8-bit
// sRGB B-G-R-A surface format when available, otherwise the first
// offered.
func pickSurfaceFormat(formats []vk.SurfaceFormat) vk.SurfaceFormat {
	if len(formats) == 0 {
		return vk.SurfaceFormat{Format: vk.FormatB8g8r8a8Srgb, ColorSpace: vk.ColorSpaceSrgbNonlinear}
	}
	if len(formats) == 1 && formats[0].Format == vk.FormatUndefined {
		return vk.SurfaceFormat{Format: vk.FormatB8g8r8a8Srgb, ColorSpace: vk.ColorSpaceSrgbNonlinear}
	}
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Srgb {
			return f
		}
	}
	return formats[0]
}

// pickPresentMode implements spec §6's present-mode selection: mailbox
// when available, otherwise FIFO (guaranteed by the spec).
func pickPresentMode(modes []vk.PresentMode) vk.PresentMode {
	for _, m := range modes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	return vk.PresentModeFifo
}

func clampU32(v, lo, hi uint32) uint32 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// pixelFmtFromVk maps the subset of vk.Format this package's
// swapchain can select (pickSurfaceFormat) back to driver.PixelFmt.
func pixelFmtFromVk(f vk.Format) driver.PixelFmt {
	switch f {
	case vk.FormatB8g8r8a8Srgb:
		return driver.BGRA8sRGB
	case vk.FormatB8g8r8a8Unorm:
		return driver.BGRA8un
	case vk.FormatR8g8b8a8Srgb:
		return driver.RGBA8sRGB
	case vk.FormatR8g8b8a8Unorm:
		return driver.RGBA8un
	default:
		return driver.BGRA8sRGB
	}
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package vk implements driver.Driver on top of
// github.com/vulkan-go/vulkan, the one concrete GPU backend behind the
// render graph's black-box driver boundary (spec §1, §Glossary: "the
// underlying graphics API itself").
//
// Grounded in structure on vulkan-go-asche's CoreDevice/
// CoreRenderInstance (device.go, instance.go): one physical device
// selected at Open time, one logical device, one graphics-and-compute
// queue family, whose present support is checked per surface by
// NewSwapchain. Unlike the asche example this package owns no window
// or swapchain at Open time — those come later, through
// driver.Presenter.NewSwapchain, exactly as the teacher's replaced
// driver/vk/*.go did.
package vk

import (
	"errors"
	"fmt"
	"log"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
	"github.com/tesseract-gfx/rendergraph/wsi"
)

func init() {
	driver.Register(&Driver{})
}

// Driver is the vulkan-go-backed driver.Driver.
type Driver struct {
	gpu *GPU
}

// Name identifies this driver to driver.Drivers callers (e.g. an
// embedder selecting a backend by name hint).
func (d *Driver) Name() string { return "vulkan" }

// Open creates a vk.Instance, selects the first physical device that
// exposes a graphics-and-compute queue family, creates a logical
// device and returns a ready-to-use GPU. A second call on the same
// Driver returns the previously opened GPU unchanged, per
// driver.Driver's contract.
func (d *Driver) Open() (driver.GPU, error) {
	if d.gpu != nil {
		return d.gpu, nil
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vk: Init: %w", err)
	}

	appInfo := &vk.ApplicationInfo{
		SType:         vk.StructureTypeApplicationInfo,
		PApplicationName: "rendergraph\x00",
		ApiVersion:    vk.MakeVersion(1, 1, 0),
	}
	// Request whatever surface-related instance extensions the active
	// wsi platform needs, so NewSwapchain (swapchain.go) has a chance
	// of succeeding later; a headless embedder simply never calls it,
	// and the extra enabled extensions are harmless (grounded on
	// vulkan-go-asche's platform.go, which resolves
	// VulkanInstanceExtensions() the same way before CreateInstance).
	instExts := surfaceInstanceExtensions()
	var inst vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(instExts)),
		PpEnabledExtensionNames: instExts,
	}, nil, &inst)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateInstance: result %d", ret)
	}
	vk.InitInstance(inst)

	var count uint32
	if ret := vk.EnumeratePhysicalDevices(inst, &count, nil); ret != vk.Success || count == 0 {
		vk.DestroyInstance(inst, nil)
		return nil, errors.New("vk: no physical devices")
	}
	phys := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(inst, &count, phys)

	var pd vk.PhysicalDevice
	var family uint32
	found := false
	for _, cand := range phys {
		var qcount uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(cand, &qcount, nil)
		props := make([]vk.QueueFamilyProperties, qcount)
		vk.GetPhysicalDeviceQueueFamilyProperties(cand, &qcount, props)
		for i, p := range props {
			p.Deref()
			want := vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit)
			if p.QueueFlags&want == want {
				pd, family, found = cand, uint32(i), true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		vk.DestroyInstance(inst, nil)
		return nil, errors.New("vk: no graphics-and-compute queue family")
	}

	priority := float32(1)
	var dev vk.Device
	ret = vk.CreateDevice(pd, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{priority},
		}},
		EnabledExtensionCount:   1,
		PpEnabledExtensionNames: []string{"VK_KHR_swapchain\x00"},
	}, nil, &dev)
	if ret != vk.Success {
		vk.DestroyInstance(inst, nil)
		return nil, fmt.Errorf("vk: CreateDevice: result %d", ret)
	}

	var queue vk.Queue
	vk.GetDeviceQueue(dev, family, 0, &queue)

	var pool vk.CommandPool
	ret = vk.CreateCommandPool(dev, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &pool)
	if ret != vk.Success {
		vk.DestroyDevice(dev, nil)
		vk.DestroyInstance(inst, nil)
		return nil, fmt.Errorf("vk: CreateCommandPool: result %d", ret)
	}

	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memProps)
	memProps.Deref()

	g := &GPU{
		drv: d, inst: inst, phys: pd, dev: dev,
		queue: queue, family: family, pool: pool,
		memProps: memProps,
	}
	g.limits = g.queryLimits()
	d.gpu = g
	log.Printf("vk: opened device, queue family %d", family)
	return g, nil
}

// Close tears down the previously opened GPU, if any, so that a
// subsequent Open starts from a clean instance/device pair.
func (d *Driver) Close() {
	if d.gpu == nil {
		return
	}
	d.gpu.Destroy()
	d.gpu = nil
}

// surfaceInstanceExtensions returns the instance extensions needed to
// present to whichever wsi platform ended up active, plus the base
// VK_KHR_surface extension every presentation path needs. For the
// generic (glfw) platform these come straight from
// glfw.GetRequiredInstanceExtensions, exactly as vulkan-go-asche's
// platform.go does (app.VulkanInstanceExtensions()); the native
// xcb/win32/wayland backends use the platform's standard surface
// extension name.
func surfaceInstanceExtensions() []string {
	switch wsi.PlatformInUse() {
	case wsi.GLFW:
		return glfwInstanceExtensions()
	case wsi.XCB:
		return []string{"VK_KHR_surface\x00", "VK_KHR_xcb_surface\x00"}
	case wsi.Win32:
		return []string{"VK_KHR_surface\x00", "VK_KHR_win32_surface\x00"}
	case wsi.Wayland:
		return []string{"VK_KHR_surface\x00", "VK_KHR_wayland_surface\x00"}
	default:
		return nil
	}
}

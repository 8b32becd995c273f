// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pool

import (
	"sync"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// Aspect identifies which channel(s) of an image a view or a use
// declaration addresses.
type Aspect int

// Aspects.
const (
	AspectColor Aspect = iota
	AspectDepth
	AspectStencil
	AspectDepthStencil
)

// Tiling describes the memory layout of an image.
type Tiling int

// Tilings.
const (
	TilingOptimal Tiling = iota
	TilingLinear
)

// CreateOption selects additional capabilities an image is created
// with, mirroring original_source's create_options.
type CreateOption int

// Create options.
const (
	// Plain is a single-purpose 1D/2D/3D image.
	Plain CreateOption = iota
	// Array2DCompatible allows the image to be viewed as a 2D
	// array even when created with a single layer.
	Array2DCompatible
	// CubeCompatible allows the image to be viewed as a cubemap;
	// it must have 6*n array layers.
	CubeCompatible
)

// ImageDesc is the immutable descriptor of an image, as registered
// in the pool (spec §3).
type ImageDesc struct {
	Format      driver.PixelFmt
	Aspect      Aspect
	Tiling      Tiling
	Usage       driver.Usage
	Extent      driver.Dim3D
	MipLevels   int
	ArrayLayers int
	Samples     int
	Option      CreateOption
}

// ViewKey identifies an interned image view by its range, matching
// spec §3's ImageViewId range tuple.
type ViewKey struct {
	Type      driver.ViewType
	Aspect    Aspect
	BaseLayer int
	Layers    int
	BaseLevel int
	Levels    int
}

// Image wraps a driver.Image together with its immutable descriptor
// and a lazily-populated, per-range interned view cache (spec §3:
// "Views are interned per-image, keyed by the range tuple; creation
// is lazy", grounded on original_source's DriverImage::get_view and
// its views unordered_map).
type Image struct {
	GPU    driver.GPU
	Driver driver.Image
	Desc   ImageDesc
	Label  string

	mu    sync.Mutex
	views map[ViewKey]driver.ImageView
}

func newImage(gpu driver.GPU, drv driver.Image, desc ImageDesc, label string) *Image {
	return &Image{GPU: gpu, Driver: drv, Desc: desc, Label: label, views: make(map[ViewKey]driver.ImageView)}
}

// View returns the interned driver.ImageView for key, creating it on
// first request.
func (im *Image) View(key ViewKey) (driver.ImageView, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if v, ok := im.views[key]; ok {
		return v, nil
	}
	v, err := im.Driver.NewView(key.Type, key.BaseLayer, key.Layers, key.BaseLevel, key.Levels)
	if err != nil {
		return nil, err
	}
	im.views[key] = v
	return v, nil
}

// Destroy destroys every interned view, then the underlying image.
// Implements driver.Destroyer so *Image can back a Pool[*Image].
func (im *Image) Destroy() {
	im.mu.Lock()
	defer im.mu.Unlock()
	for _, v := range im.views {
		v.Destroy()
	}
	im.views = nil
	im.Driver.Destroy()
}

// MemoryClass is the class of memory a buffer is allocated from
// (spec §3).
type MemoryClass int

// Memory classes.
const (
	DeviceLocal MemoryClass = iota
	HostToDevice
	DeviceToHost
)

// BufferDesc is the immutable descriptor of a buffer (spec §3).
type BufferDesc struct {
	Size   int64
	Usage  driver.Usage
	Memory MemoryClass
}

// addressable is implemented by driver.Buffer backends that support
// buffer device addresses (spec §4.A: "exposes device_address() when
// the allocation was created with that capability").
type addressable interface {
	DeviceAddress() int64
}

// Buffer wraps a driver.Buffer together with its immutable
// descriptor.
type Buffer struct {
	Driver driver.Buffer
	Desc   BufferDesc
	Label  string
}

// Destroy destroys the underlying buffer. Implements driver.Destroyer
// so *Buffer can back a Pool[*Buffer].
func (b *Buffer) Destroy() { b.Driver.Destroy() }

// DeviceAddress returns the buffer's device address and true if the
// driver backend supports it, or (0, false) otherwise.
func (b *Buffer) DeviceAddress() (int64, bool) {
	if a, ok := b.Driver.(addressable); ok {
		return a.DeviceAddress(), true
	}
	return 0, false
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pool

import (
	"errors"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// fakeRes is a minimal driver.Destroyer used to exercise Pool[T]
// without a real GPU backend.
type fakeRes struct {
	destroyed bool
}

func (r *fakeRes) Destroy() { r.destroyed = true }

func TestRegisterAcquireRelease(t *testing.T) {
	p := New[*fakeRes](2)
	r := &fakeRes{}
	id := p.Register(r, "thing")

	got, err := p.Acquire(id)
	if err != nil {
		t.Fatalf("Acquire:\nhave err %v\nwant nil", err)
	}
	if got != r {
		t.Fatalf("Acquire:\nhave %p\nwant %p", got, r)
	}

	// refcount is now 2 (Register's implicit ref + Acquire's).
	if err := p.Release(id, 0); err != nil {
		t.Fatalf("Release:\nhave err %v\nwant nil", err)
	}
	if r.destroyed {
		t.Fatalf("Release: resource destroyed early")
	}
	if err := p.Release(id, 0); err != nil {
		t.Fatalf("Release:\nhave err %v\nwant nil", err)
	}
	if r.destroyed {
		t.Fatalf("Release: resource destroyed before Collect")
	}
	p.Collect(0)
	if !r.destroyed {
		t.Fatalf("Collect: resource not destroyed")
	}
}

func TestStaleHandle(t *testing.T) {
	p := New[*fakeRes](1)
	id := p.Register(&fakeRes{}, "")
	if err := p.Release(id, 0); err != nil {
		t.Fatalf("Release:\nhave err %v\nwant nil", err)
	}
	// id's slot was freed and its generation bumped; the old id
	// must now fail validation.
	if _, err := p.Acquire(id); err == nil {
		t.Fatalf("Acquire(stale id):\nhave nil error\nwant StaleHandle")
	} else {
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != StaleHandle {
			t.Fatalf("Acquire(stale id):\nhave %v\nwant StaleHandle", err)
		}
	}
}

func TestGenerationBumpOnReuse(t *testing.T) {
	p := New[*fakeRes](1)
	id1 := p.Register(&fakeRes{}, "")
	if err := p.Release(id1, 0); err != nil {
		t.Fatalf("Release:\nhave err %v\nwant nil", err)
	}
	id2 := p.Register(&fakeRes{}, "")
	if id2.Slot != id1.Slot {
		t.Fatalf("Register (reuse): slot\nhave %d\nwant %d (free slot not reused)", id2.Slot, id1.Slot)
	}
	if id2.Gen == id1.Gen {
		t.Fatalf("Register (reuse): generation\nhave %d\nwant different from %d", id2.Gen, id1.Gen)
	}
}

func TestClearAllDestroysRegardlessOfRefcount(t *testing.T) {
	p := New[*fakeRes](3)
	r := &fakeRes{}
	id := p.Register(r, "")
	if _, err := p.Acquire(id); err != nil {
		t.Fatalf("Acquire:\nhave err %v\nwant nil", err)
	}
	p.ClearAll()
	if !r.destroyed {
		t.Fatalf("ClearAll: resource not destroyed despite live refcount")
	}
	if err := p.Release(id, 0); err == nil {
		t.Fatalf("Release after ClearAll:\nhave nil error\nwant PoolShutdown")
	} else {
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != PoolShutdown {
			t.Fatalf("Release after ClearAll:\nhave %v\nwant PoolShutdown", err)
		}
	}
}

// TestConcurrentAcquireRelease exercises the single-mutex concurrency
// claim (spec §5): many goroutines acquiring/releasing the same id
// must never corrupt the refcount bookkeeping or race the destroy.
func TestConcurrentAcquireRelease(t *testing.T) {
	p := New[*fakeRes](1)
	id := p.Register(&fakeRes{}, "")

	var g errgroup.Group
	var mu sync.Mutex
	held := make([]ResourceId, 0, 64)
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			r, err := p.Acquire(id)
			if err != nil {
				return err
			}
			if r == nil {
				return errors.New("nil resource")
			}
			mu.Lock()
			held = append(held, id)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Acquire:\nhave err %v\nwant nil", err)
	}
	for range held {
		if err := p.Release(id, 0); err != nil {
			t.Fatalf("Release:\nhave err %v\nwant nil", err)
		}
	}
	// One remaining ref from Register itself.
	if err := p.Release(id, 0); err != nil {
		t.Fatalf("Release:\nhave err %v\nwant nil", err)
	}
}

// fakeGPU implements enough of driver.GPU to exercise Manager.
type fakeGPU struct{ driver.GPU }

type fakeImage struct{ fakeRes }

func (*fakeImage) NewView(driver.ViewType, int, int, int, int) (driver.ImageView, error) {
	return &fakeRes{}, nil
}

type fakeBuffer struct {
	fakeRes
	visible bool
	cap     int64
}

func (b *fakeBuffer) Visible() bool { return b.visible }
func (b *fakeBuffer) Bytes() []byte { return nil }
func (b *fakeBuffer) Cap() int64    { return b.cap }

func (fakeGPU) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &fakeImage{}, nil
}

func (fakeGPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	return &fakeBuffer{visible: visible, cap: size}, nil
}

func TestManagerCreateImageAndBuffer(t *testing.T) {
	m := NewManager(fakeGPU{}, 2)
	imgID, err := m.CreateImage(ImageDesc{Extent: driver.Dim3D{Width: 4, Height: 4, Depth: 1}, MipLevels: 1, ArrayLayers: 1}, "color")
	if err != nil {
		t.Fatalf("CreateImage:\nhave err %v\nwant nil", err)
	}
	img, err := m.Images.Peek(imgID)
	if err != nil {
		t.Fatalf("Peek:\nhave err %v\nwant nil", err)
	}
	if _, err := img.View(ViewKey{Type: driver.IView2D, Layers: 1, Levels: 1}); err != nil {
		t.Fatalf("Image.View:\nhave err %v\nwant nil", err)
	}
	// Second request for the same key must return the interned view.
	v1, _ := img.View(ViewKey{Type: driver.IView2D, Layers: 1, Levels: 1})
	v2, _ := img.View(ViewKey{Type: driver.IView2D, Layers: 1, Levels: 1})
	if v1 != v2 {
		t.Fatalf("Image.View: not interned, got distinct views for the same key")
	}

	bufID, err := m.CreateBuffer(BufferDesc{Size: 256, Memory: HostToDevice}, "staging")
	if err != nil {
		t.Fatalf("CreateBuffer:\nhave err %v\nwant nil", err)
	}
	buf, err := m.Buffers.Peek(bufID)
	if err != nil {
		t.Fatalf("Peek:\nhave err %v\nwant nil", err)
	}
	if !buf.Driver.Visible() {
		t.Fatalf("Buffer.Driver.Visible:\nhave false\nwant true")
	}

	m.ClearAll()
}

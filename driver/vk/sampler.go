// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// Sampler implements driver.Sampler.
type Sampler struct {
	gpu     *GPU
	sampler vk.Sampler
}

// NewSampler creates a sampler from spln.
func (g *GPU) NewSampler(spln *driver.Sampling) (driver.Sampler, error) {
	var s vk.Sampler
	ret := vk.CreateSampler(g.dev, &vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               filter(spln.Mag),
		MinFilter:               filter(spln.Min),
		MipmapMode:              mipmapMode(spln.Mipmap),
		AddressModeU:            addrMode(spln.AddrU),
		AddressModeV:            addrMode(spln.AddrV),
		AddressModeW:            addrMode(spln.AddrW),
		AnisotropyEnable:        vk.Bool32(b2i(spln.MaxAniso > 1)),
		MaxAnisotropy:           float32(spln.MaxAniso),
		CompareEnable:           vk.Bool32(b2i(spln.Cmp != driver.CAlways)),
		CompareOp:               cmpOp(spln.Cmp),
		MinLod:                  spln.MinLOD,
		MaxLod:                  spln.MaxLOD,
		BorderColor:             vk.BorderColorFloatTransparentBlack,
		UnnormalizedCoordinates: vk.False,
	}, nil, &s)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateSampler: result %d", ret)
	}
	return &Sampler{gpu: g, sampler: s}, nil
}

func (s *Sampler) Destroy() {
	if s.sampler != 0 {
		vk.DestroySampler(s.gpu.dev, s.sampler, nil)
		s.sampler = 0
	}
}

func b2i(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

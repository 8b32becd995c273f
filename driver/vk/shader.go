// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// ShaderCode implements driver.ShaderCode: a loaded vk.ShaderModule.
// The compiled-binary data itself was already reflected by
// shader.Reflect before reaching this package (SPEC_FULL.md §D); this
// type only owns the driver-side module object.
type ShaderCode struct {
	gpu  *GPU
	code vk.ShaderModule
}

// NewShaderCode loads a SPIR-V binary.
func (g *GPU) NewShaderCode(data []byte) (driver.ShaderCode, error) {
	var mod vk.ShaderModule
	ret := vk.CreateShaderModule(g.dev, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(data)),
		PCode:    repackUint32(data),
	}, nil, &mod)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateShaderModule: result %d", ret)
	}
	return &ShaderCode{gpu: g, code: mod}, nil
}

func (s *ShaderCode) Destroy() {
	if s.code != 0 {
		vk.DestroyShaderModule(s.gpu.dev, s.code, nil)
		s.code = 0
	}
}

// repackUint32 reinterprets a SPIR-V binary's bytes as the uint32
// words vk.ShaderModuleCreateInfo.PCode expects, assuming len(data) is
// a multiple of 4, as required of every valid SPIR-V module.
func repackUint32(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
	}
	return words
}

// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// Pipeline implements driver.Pipeline. bindPoint records whether it
// must be bound at the graphics or compute point, since CmdBuffer's
// SetPipeline receives no such hint (driver.CmdBuffer.SetPipeline
// takes a single Pipeline argument for both kinds).
type Pipeline struct {
	gpu       *GPU
	pipe      vk.Pipeline
	layout    vk.PipelineLayout
	bindPoint vk.PipelineBindPoint
}

// NewPipeline creates either a graphics or compute pipeline depending
// on the concrete type of state, mirroring shader.Cache's single
// entry point for both pipeline kinds (shader/cache.go Compute and
// Graphics both funnel into GPU.NewPipeline).
func (g *GPU) NewPipeline(state any) (driver.Pipeline, error) {
	switch st := state.(type) {
	case *driver.GraphState:
		return g.newGraphicsPipeline(st)
	case *driver.CompState:
		return g.newComputePipeline(st)
	default:
		return nil, fmt.Errorf("vk: NewPipeline: unexpected state type %T", state)
	}
}

func (g *GPU) newComputePipeline(st *driver.CompState) (driver.Pipeline, error) {
	table := st.Desc.(*DescTable)
	code := st.Func.Code.(*ShaderCode)
	name := cstr(st.Func.Name)

	infos := []vk.ComputePipelineCreateInfo{{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: code.code,
			PName:  name,
		},
		Layout: table.layout,
	}}
	pipes := make([]vk.Pipeline, 1)
	ret := vk.CreateComputePipelines(g.dev, vk.NullPipelineCache, 1, infos, nil, pipes)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateComputePipelines: result %d", ret)
	}
	return &Pipeline{gpu: g, pipe: pipes[0], layout: table.layout, bindPoint: vk.PipelineBindPointCompute}, nil
}

func (g *GPU) newGraphicsPipeline(st *driver.GraphState) (driver.Pipeline, error) {
	table := st.Desc.(*DescTable)
	pass := st.Pass.(*RenderPass)

	stages := []vk.PipelineShaderStageCreateInfo{
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageVertexBit,
			Module: st.VertFunc.Code.(*ShaderCode).code,
			PName:  cstr(st.VertFunc.Name),
		},
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFragmentBit,
			Module: st.FragFunc.Code.(*ShaderCode).code,
			PName:  cstr(st.FragFunc.Name),
		},
	}

	bindings := make([]vk.VertexInputBindingDescription, len(st.Input))
	attrs := make([]vk.VertexInputAttributeDescription, len(st.Input))
	for i, in := range st.Input {
		bindings[i] = vk.VertexInputBindingDescription{
			Binding:   uint32(i),
			Stride:    uint32(in.Stride),
			InputRate: vk.VertexInputRateVertex,
		}
		attrs[i] = vk.VertexInputAttributeDescription{
			Location: uint32(in.Nr),
			Binding:  uint32(i),
			Format:   vertexFmt(in.Format),
		}
	}
	vertInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(bindings)),
		PVertexBindingDescriptions:      bindings,
		VertexAttributeDescriptionCount: uint32(len(attrs)),
		PVertexAttributeDescriptions:    attrs,
	}

	asm := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: topology(st.Topology),
	}

	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	raster := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode:             polygonMode(st.Raster.Fill),
		CullMode:                vk.CullModeFlags(cullMode(st.Raster.Cull)),
		FrontFace:               frontFace(st.Raster.Clockwise),
		DepthBiasEnable:         vk.Bool32(b2i(st.Raster.DepthBias)),
		DepthBiasConstantFactor: st.Raster.BiasValue,
		DepthBiasSlopeFactor:    st.Raster.BiasSlope,
		DepthBiasClamp:          st.Raster.BiasClamp,
		LineWidth:               1,
	}

	samples := vk.SampleCount1Bit
	if st.Samples > 1 {
		samples = vk.SampleCountFlagBits(st.Samples)
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: samples,
	}

	ds := vk.PipelineDepthStencilStateCreateInfo{
		SType:                 vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:       vk.Bool32(b2i(st.DS.DepthTest)),
		DepthWriteEnable:      vk.Bool32(b2i(st.DS.DepthWrite)),
		DepthCompareOp:        cmpOp(st.DS.DepthCmp),
		StencilTestEnable:     vk.Bool32(b2i(st.DS.StencilTest)),
		Front:                 stencilOpState(st.DS.Front),
		Back:                  stencilOpState(st.DS.Back),
	}

	attachCount := 1
	if st.Blend.IndependentBlend {
		attachCount = len(st.Blend.Color)
	}
	if attachCount == 0 {
		attachCount = 1
	}
	colorAttach := make([]vk.PipelineColorBlendAttachmentState, attachCount)
	for i := range colorAttach {
		cb := driver.ColorBlend{WriteMask: driver.CAll}
		if i < len(st.Blend.Color) {
			cb = st.Blend.Color[i]
		} else if len(st.Blend.Color) > 0 {
			cb = st.Blend.Color[0]
		}
		colorAttach[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.Bool32(b2i(cb.Blend)),
			SrcColorBlendFactor: blendFac(cb.SrcFac[0]),
			DstColorBlendFactor: blendFac(cb.DstFac[0]),
			ColorBlendOp:        blendOp(cb.Op[0]),
			SrcAlphaBlendFactor: blendFac(cb.SrcFac[1]),
			DstAlphaBlendFactor: blendFac(cb.DstFac[1]),
			AlphaBlendOp:        blendOp(cb.Op[1]),
			ColorWriteMask:      vk.ColorComponentFlags(colorComponentMask(cb.WriteMask)),
		}
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: uint32(len(colorAttach)),
		PAttachments:    colorAttach,
	}

	dynStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor, vk.DynamicStateBlendConstants, vk.DynamicStateStencilReference}
	dyn := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynStates)),
		PDynamicStates:    dynStates,
	}

	infos := []vk.GraphicsPipelineCreateInfo{{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertInput,
		PInputAssemblyState: &asm,
		PViewportState:      &viewportState,
		PRasterizationState: &raster,
		PMultisampleState:   &multisample,
		PDepthStencilState:  &ds,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dyn,
		Layout:              table.layout,
		RenderPass:          pass.pass,
		Subpass:             uint32(st.Subpass),
	}}
	pipes := make([]vk.Pipeline, 1)
	ret := vk.CreateGraphicsPipelines(g.dev, vk.NullPipelineCache, 1, infos, nil, pipes)
	if ret != vk.Success {
		return nil, fmt.Errorf("vk: CreateGraphicsPipelines: result %d", ret)
	}
	return &Pipeline{gpu: g, pipe: pipes[0], layout: table.layout, bindPoint: vk.PipelineBindPointGraphics}, nil
}

func (p *Pipeline) Destroy() {
	if p.pipe != 0 {
		vk.DestroyPipeline(p.gpu.dev, p.pipe, nil)
		p.pipe = 0
	}
}

func frontFace(clockwise bool) vk.FrontFace {
	if clockwise {
		return vk.FrontFaceClockwise
	}
	return vk.FrontFaceCounterClockwise
}

func stencilOpState(s driver.StencilT) vk.StencilOpState {
	return vk.StencilOpState{
		FailOp:    stencilOp(s.DSFail[0]),
		DepthFailOp: stencilOp(s.DSFail[1]),
		PassOp:    stencilOp(s.Pass),
		CompareOp: cmpOp(s.Cmp),
		CompareMask: s.ReadMask,
		WriteMask:   s.WriteMask,
	}
}

// cstr converts a Go string to a NUL-terminated Go string, the form
// vulkan-go's PName fields expect for shader entry-point names.
func cstr(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + "\x00"
	}
	return s
}

var _ = unsafe.Pointer(nil)

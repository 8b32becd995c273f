// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package track

import "github.com/tesseract-gfx/rendergraph/driver"

// StagesToSync converts a shader-stage mask into the pipeline-stage
// scope it executes in, by direct correspondence (spec §4.E). This
// simplified Sync model (driver.Sync) has no separate scope for
// tessellation/geometry stages — every pre-rasterization programmable
// stage other than fragment and compute maps onto SVertexShading,
// matching the granularity the driver package's barrier type already
// offers.
func StagesToSync(stages driver.Stage) driver.Sync {
	var s driver.Sync
	if stages&(driver.SVertex|driver.STessControl|driver.STessEval|driver.SGeometry) != 0 {
		s |= driver.SVertexShading
	}
	if stages&driver.SFragment != 0 {
		s |= driver.SFragmentShading
	}
	if stages&driver.SCompute != 0 {
		s |= driver.SComputeShading
	}
	return s
}

// The declaration constructors below each implement one row of spec
// §4.E's declaration table, producing the ImageState/BufferState a
// use declaration of that kind implies. The graph package's task
// builder calls these when recording a task's use declarations.

// ColorAttachment is the state implied by use_color_attachment and by
// use_backbuffer_attachment, which request the identical state.
func ColorAttachment() ImageState {
	return ImageState{driver.SColorOutput, driver.AColorWrite, driver.LColorTarget}
}

// DepthAttachment is the state implied by use_depth_attachment.
func DepthAttachment() ImageState {
	return ImageState{driver.SDSOutput, driver.ADSWrite, driver.LDSTarget}
}

// StorageImage is the state implied by use_storage_image.
func StorageImage(stages driver.Stage) ImageState {
	return ImageState{StagesToSync(stages), driver.AShaderRead | driver.AShaderWrite, driver.LCommon}
}

// SampleImage is the state implied by sample_image and sample_cubemap
// (the cubemap variant differs only in which subresources the caller
// applies it to — spec §4.E says "all 6 layers x all mips").
func SampleImage(stages driver.Stage) ImageState {
	return ImageState{StagesToSync(stages), driver.AShaderRead, driver.LShaderRead}
}

// UniformBuffer is the state implied by use_uniform_buffer.
func UniformBuffer(stages driver.Stage) BufferState {
	return BufferState{StagesToSync(stages), driver.AConstantRead}
}

// StorageBuffer is the state implied by use_storage_buffer.
func StorageBuffer(stages driver.Stage, readonly bool) BufferState {
	a := driver.AShaderRead
	if !readonly {
		a |= driver.AShaderWrite
	}
	return BufferState{StagesToSync(stages), a}
}

// IndirectBuffer is the state implied by use_indirect_buffer.
func IndirectBuffer() BufferState {
	return BufferState{driver.SIndirect, driver.AIndirectRead}
}

// TransferReadImage is the state implied by transfer_read.
func TransferReadImage() ImageState {
	return ImageState{driver.SCopy, driver.ACopyRead, driver.LCopySrc}
}

// TransferWriteImage is the image variant of transfer_write.
func TransferWriteImage() ImageState {
	return ImageState{driver.SCopy, driver.ACopyWrite, driver.LCopyDst}
}

// TransferWriteBuffer is the buffer variant of transfer_write.
func TransferWriteBuffer() BufferState {
	return BufferState{driver.SCopy, driver.ACopyWrite}
}

// PrepareBackbuffer is the state implied by prepare_backbuffer. Its
// stage mask is zero, like an acquire barrier's source mask: the vk
// backend maps a zero Sync to TOP_OF_PIPE on either side of a
// barrier, so as a destination scope no later stage waits on it.
func PrepareBackbuffer() ImageState {
	return ImageState{driver.SNone, driver.ANone, driver.LPresent}
}

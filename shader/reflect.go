// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package shader

import (
	"encoding/binary"
	"fmt"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// This file is a minimal SPIR-V binary walker: just enough of the
// module to recover entry point, execution model and descriptor-set
// bindings. The push-constant range is not recovered: variables in
// the PushConstant storage class carry no set/binding decorations and
// are skipped. Reflection metadata is
// otherwise outside spec.md's scope (§9: "the implementer is expected
// to consume a reflection library or write a minimal SPIR-V
// descriptor walker"); no reflection library appears anywhere in the
// retrieval pack, so this is hand-rolled (see DESIGN.md).

const spirvMagic = 0x07230203

// SPIR-V opcodes this walker understands. Everything else is skipped
// by word count.
const (
	opEntryPoint       = 15
	opDecorate         = 71
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opConstant         = 43
	opVariable         = 59
)

// Decoration values this walker understands.
const (
	decBlock         = 2
	decBufferBlock   = 3
	decDescriptorSet = 34
	decBinding       = 33
)

// Storage classes this walker understands.
const (
	scUniformConstant = 0
	scUniform         = 2
	scStorageBuffer   = 12
)

// Execution models, mapped directly to driver.Stage.
var execModelStage = map[uint32]driver.Stage{
	0: driver.SVertex,
	1: driver.STessControl,
	2: driver.STessEval,
	3: driver.SGeometry,
	4: driver.SFragment,
	5: driver.SCompute,
}

// BindlessCap is the descriptor count assigned to a binding whose
// array is unbounded (spec §4.B: "A binding whose count is declared
// zero is treated as bindless with a cap of 1024").
const BindlessCap = 1024

// Binding is one reflected descriptor-set binding.
type Binding struct {
	Set      int
	Nr       int
	Type     driver.DescType
	Count    int
	Bindless bool
}

// Reflection is the result of reflecting one SPIR-V module.
type Reflection struct {
	Entry    string
	Stage    driver.Stage
	Bindings []Binding
}

type typeInfo struct {
	opcode   uint32
	elemType uint32 // OpTypeArray/OpTypeRuntimeArray/OpTypePointer: element or pointee type id
	length   uint32 // OpTypeArray: id of the OpConstant giving the length
	storage  uint32 // OpTypePointer: storage class
	image    bool   // OpTypeImage: true; distinguishes storage vs combined-sampled via opTypeSampledImage wrapping
}

// Reflect parses a SPIR-V binary and extracts the entry point,
// execution model and descriptor-set bindings needed for layout
// interning.
func Reflect(data []byte) (*Reflection, error) {
	if len(data) < 20 || len(data)%4 != 0 {
		return nil, fmt.Errorf("shader: malformed SPIR-V module (length %d)", len(data))
	}
	words := make([]uint32, len(data)/4)
	var bo binary.ByteOrder = binary.LittleEndian
	if bo.Uint32(data[0:4]) != spirvMagic {
		bo = binary.BigEndian
		if bo.Uint32(data[0:4]) != spirvMagic {
			return nil, fmt.Errorf("shader: bad SPIR-V magic number")
		}
	}
	for i := range words {
		words[i] = bo.Uint32(data[i*4 : i*4+4])
	}

	bound := words[3]
	types := make(map[uint32]typeInfo, bound)
	consts := make(map[uint32]uint32, bound)
	varStorage := make(map[uint32]uint32, bound) // result id -> pointer type id (from OpVariable)
	setDeco := make(map[uint32]uint32, bound)
	bindingDeco := make(map[uint32]uint32, bound)

	var refl Reflection

	i := 5 // skip magic, version, generator, bound, schema
	for i < len(words) {
		word := words[i]
		wordCount := int(word >> 16)
		opcode := word & 0xffff
		if wordCount == 0 || i+wordCount > len(words) {
			break
		}
		ops := words[i+1 : i+wordCount]

		switch opcode {
		case opEntryPoint:
			if len(ops) >= 3 {
				refl.Stage = execModelStage[ops[0]]
				refl.Entry = decodeLiteralString(words[i+3 : i+wordCount])
			}
		case opDecorate:
			if len(ops) >= 2 {
				target, deco := ops[0], ops[1]
				switch deco {
				case decDescriptorSet:
					if len(ops) >= 3 {
						setDeco[target] = ops[2]
					}
				case decBinding:
					if len(ops) >= 3 {
						bindingDeco[target] = ops[2]
					}
				}
			}
		case opTypeImage:
			if len(ops) >= 1 {
				types[ops[0]] = typeInfo{opcode: opTypeImage, image: true}
			}
		case opTypeSampler:
			if len(ops) >= 1 {
				types[ops[0]] = typeInfo{opcode: opTypeSampler}
			}
		case opTypeSampledImage:
			if len(ops) >= 2 {
				types[ops[0]] = typeInfo{opcode: opTypeSampledImage, elemType: ops[1]}
			}
		case opTypeStruct:
			if len(ops) >= 1 {
				types[ops[0]] = typeInfo{opcode: opTypeStruct}
			}
		case opTypeArray:
			if len(ops) >= 3 {
				types[ops[0]] = typeInfo{opcode: opTypeArray, elemType: ops[1], length: ops[2]}
			}
		case opTypeRuntimeArray:
			if len(ops) >= 2 {
				types[ops[0]] = typeInfo{opcode: opTypeRuntimeArray, elemType: ops[1]}
			}
		case opTypePointer:
			if len(ops) >= 3 {
				types[ops[0]] = typeInfo{opcode: opTypePointer, storage: ops[1], elemType: ops[2]}
			}
		case opConstant:
			if len(ops) >= 2 {
				consts[ops[1]] = ops[2]
			}
		case opVariable:
			if len(ops) >= 3 {
				resultType, resultID := ops[0], ops[1]
				varStorage[resultID] = resultType
			}
		}
		i += wordCount
	}

	for id, ptrType := range varStorage {
		set, hasSet := setDeco[id]
		nr, hasBinding := bindingDeco[id]
		if !hasSet || !hasBinding {
			continue
		}
		pt, ok := types[ptrType]
		if !ok || pt.opcode != opTypePointer {
			continue
		}
		b := Binding{Set: int(set), Nr: int(nr)}
		descType, count, bindless := classify(pt.storage, pt.elemType, types, consts)
		b.Type = descType
		b.Count = count
		b.Bindless = bindless
		refl.Bindings = append(refl.Bindings, b)
	}
	return &refl, nil
}

func classify(storage, typeID uint32, types map[uint32]typeInfo, consts map[uint32]uint32) (driver.DescType, int, bool) {
	t := types[typeID]
	count := 1
	bindless := false
	switch t.opcode {
	case opTypeArray:
		if v, ok := consts[t.length]; ok {
			count = int(v)
		}
		typeID = t.elemType
		t = types[typeID]
	case opTypeRuntimeArray:
		count = 0
		bindless = true
		typeID = t.elemType
		t = types[typeID]
	}
	if count == 0 {
		count = BindlessCap
		bindless = true
	}
	switch {
	case t.opcode == opTypeSampler:
		return driver.DSampler, count, bindless
	case t.opcode == opTypeSampledImage:
		return driver.DTexture, count, bindless
	case t.opcode == opTypeImage:
		return driver.DImage, count, bindless
	case storage == scUniform:
		return driver.DConstant, count, bindless
	case storage == scStorageBuffer:
		return driver.DBuffer, count, bindless
	default:
		return driver.DBuffer, count, bindless
	}
}

func decodeLiteralString(words []uint32) string {
	var b []byte
	for _, w := range words {
		for s := 0; s < 4; s++ {
			c := byte(w >> (8 * s))
			if c == 0 {
				return string(b)
			}
			b = append(b, c)
		}
	}
	return string(b)
}

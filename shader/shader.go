// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package shader loads shader binaries, reflects their descriptor
// bindings, interns the descriptor-set layouts they imply, and caches
// the pipelines built from them.
package shader

import (
	"fmt"
	"sort"

	"github.com/tesseract-gfx/rendergraph/driver"
)

// Kind identifies the category of a shader package error.
type Kind int

const (
	// A shader module's reflection data could not be parsed.
	ModuleReflect Kind = iota
	// Two modules of a program declare the same (set, binding) pair
	// with incompatible type or array length.
	LayoutMismatch
	// Two modules of a program declare the same shader stage.
	StageReuse
	// A pipeline was requested from a program missing the stages
	// that kind of pipeline requires.
	IncompletePipeline
)

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return "shader: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Module is one loaded, reflected shader binary.
type Module struct {
	Entry    string
	Stage    driver.Stage
	Bindings []Binding

	Code driver.ShaderCode
	data []byte
}

// NewModule reflects data and creates the backing driver.ShaderCode.
// data is retained so that Cache.Reload can re-create the module
// without the caller supplying it again.
func NewModule(gpu driver.GPU, data []byte) (*Module, error) {
	refl, err := Reflect(data)
	if err != nil {
		return nil, &Error{ModuleReflect, err}
	}
	code, err := gpu.NewShaderCode(data)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Module{
		Entry:    refl.Entry,
		Stage:    refl.Stage,
		Bindings: refl.Bindings,
		Code:     code,
		data:     cp,
	}, nil
}

// Func returns the driver.ShaderFunc referring to this module's entry
// point, for use in a driver.GraphState or driver.CompState.
func (m *Module) Func() driver.ShaderFunc {
	return driver.ShaderFunc{Code: m.Code, Name: m.Entry}
}

func (m *Module) reload(gpu driver.GPU) error {
	refl, err := Reflect(m.data)
	if err != nil {
		return &Error{ModuleReflect, err}
	}
	code, err := gpu.NewShaderCode(m.data)
	if err != nil {
		return err
	}
	old := m.Code
	m.Entry = refl.Entry
	m.Stage = refl.Stage
	m.Bindings = refl.Bindings
	m.Code = code
	if old != nil {
		old.Destroy()
	}
	return nil
}

// Program is a set of modules that together form one pipeline's
// programmable stages, plus the descriptor-set layout their combined
// bindings imply.
type Program struct {
	Label   string
	Modules []*Module

	// Sets holds, for each descriptor-set index in use, the
	// descriptors that set requires. A module's binding contributes
	// its stage bit to the set entry sharing its (Set, Nr); bindings
	// that disagree on Type or Len across modules are rejected with
	// LayoutMismatch.
	Sets [][]driver.Descriptor
}

// NewProgram validates that modules declare a legal stage combination
// (spec §4.B: a compute program has exactly one SCompute module; a
// graphics program has one module per stage from
// {vertex,tess-control,tess-eval,geometry,fragment}, never compute),
// merges their reflected bindings into per-set descriptor lists, and
// returns the resulting Program.
func NewProgram(label string, modules ...*Module) (*Program, error) {
	var seen driver.Stage
	var compute, graphics bool
	for _, m := range modules {
		if seen&m.Stage != 0 {
			return nil, &Error{StageReuse, fmt.Errorf("program %q: stage %d claimed by more than one module", label, m.Stage)}
		}
		seen |= m.Stage
		if m.Stage == driver.SCompute {
			compute = true
		} else {
			graphics = true
		}
	}
	if compute && graphics {
		return nil, &Error{StageReuse, fmt.Errorf("program %q: mixes compute and graphics stages", label)}
	}

	type key struct{ set, nr int }
	merged := make(map[key]*driver.Descriptor)
	maxSet := -1
	for _, m := range modules {
		for _, b := range m.Bindings {
			if b.Set > maxSet {
				maxSet = b.Set
			}
			k := key{b.Set, b.Nr}
			if d, ok := merged[k]; ok {
				if d.Type != b.Type || d.Len != b.Count {
					return nil, &Error{LayoutMismatch, fmt.Errorf("program %q: set %d binding %d redeclared with a different type or count", label, b.Set, b.Nr)}
				}
				d.Stages |= m.Stage
			} else {
				merged[k] = &driver.Descriptor{Type: b.Type, Stages: m.Stage, Nr: b.Nr, Len: b.Count}
			}
		}
	}
	sets := make([][]driver.Descriptor, maxSet+1)
	for k, d := range merged {
		sets[k.set] = append(sets[k.set], *d)
	}
	for _, s := range sets {
		sort.Slice(s, func(i, j int) bool { return s[i].Nr < s[j].Nr })
	}
	return &Program{Label: label, Modules: modules, Sets: sets}, nil
}

// Binding returns the descriptor slot a Program resolves for the
// given set/binding pair, and whether one exists.
func (p *Program) Binding(set, nr int) (driver.Descriptor, bool) {
	if set < 0 || set >= len(p.Sets) {
		return driver.Descriptor{}, false
	}
	for _, d := range p.Sets[set] {
		if d.Nr == nr {
			return d, true
		}
	}
	return driver.Descriptor{}, false
}

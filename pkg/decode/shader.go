package decode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Options are shader compile options. Two option sets with the same stage,
// entry point and defines compile identically.
type Options struct {
	Stage      string            `json:"stage"`
	EntryPoint string            `json:"entry_point"`
	Defines    map[string]string `json:"defines,omitempty"`
}

// Canonical renders o with defines sorted by name.
func (o Options) Canonical() string {
	var sb strings.Builder
	sb.WriteString("stage=")
	sb.WriteString(o.Stage)
	sb.WriteString(";entry=")
	sb.WriteString(o.EntryPoint)
	keys := make([]string, 0, len(o.Defines))
	for k := range o.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(";D")
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(o.Defines[k])
	}
	return sb.String()
}

// Reflection describes a compiled shader's interface.
type Reflection struct {
	Stage      string   `json:"stage"`
	EntryPoint string   `json:"entry_point"`
	Uniforms   []string `json:"uniforms,omitempty"`
	Includes   []string `json:"includes,omitempty"`
}

// Compiler turns shader source into bytecode.
type Compiler interface {
	Compile(ctx context.Context, source []byte, opts Options) ([]byte, Reflection, error)
}

// KeyedCompiler compiles shader source identified by key, typically through
// a cache.
type KeyedCompiler interface {
	CompileKeyed(ctx context.Context, key string, source []byte, opts Options) ([]byte, Reflection, error)
}

// ShaderDecoder compiles shader sources. When Cache is set it is used in
// preference to Compiler.
type ShaderDecoder struct {
	Compiler Compiler
	Cache    KeyedCompiler

	// Defines are applied to every compile.
	Defines map[string]string
}

// Decode implements Decoder.
func (d *ShaderDecoder) Decode(ctx context.Context, path string, data []byte) (*Payload, error) {
	opts := Options{
		Stage:      StageFromPath(path),
		EntryPoint: "main",
		Defines:    d.Defines,
	}

	var (
		bytecode []byte
		refl     Reflection
		err      error
	)
	switch {
	case d.Cache != nil:
		bytecode, refl, err = d.Cache.CompileKeyed(ctx, path, data, opts)
	case d.Compiler != nil:
		bytecode, refl, err = d.Compiler.Compile(ctx, data, opts)
	default:
		return nil, fmt.Errorf("compile shader %s: no compiler configured", path)
	}
	if err != nil {
		return nil, fmt.Errorf("compile shader %s: %w", path, err)
	}

	return &Payload{
		Bytes:      bytecode,
		Format:     "shader/" + refl.Stage,
		Reflection: &refl,
		Deps:       refl.Includes,
	}, nil
}

// StageFromPath infers the pipeline stage from a shader file extension.
func StageFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vert", ".vs":
		return "vertex"
	case ".comp", ".cs":
		return "compute"
	case ".geom", ".gs":
		return "geometry"
	default:
		return "fragment"
	}
}

// bytecodeMagic prefixes PassthroughCompiler output.
var bytecodeMagic = []byte("ACSB")

// PassthroughCompiler wraps the source in a small header instead of
// compiling it. Reflection is scraped from `uniform` declarations and
// `#include "..."` lines.
type PassthroughCompiler struct{}

// Compile implements Compiler.
func (PassthroughCompiler) Compile(ctx context.Context, source []byte, opts Options) ([]byte, Reflection, error) {
	if err := ctx.Err(); err != nil {
		return nil, Reflection{}, err
	}
	if len(bytes.TrimSpace(source)) == 0 {
		return nil, Reflection{}, fmt.Errorf("empty shader source")
	}

	refl := Reflection{Stage: opts.Stage, EntryPoint: opts.EntryPoint}
	sc := bufio.NewScanner(bytes.NewReader(source))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(text, "#error"):
			return nil, Reflection{}, fmt.Errorf("line %d: %s", line, strings.TrimSpace(strings.TrimPrefix(text, "#error")))
		case strings.HasPrefix(text, "#include"):
			inc := strings.Trim(strings.TrimSpace(strings.TrimPrefix(text, "#include")), `"<>`)
			if inc != "" {
				refl.Includes = append(refl.Includes, inc)
			}
		case strings.HasPrefix(text, "uniform "):
			fields := strings.Fields(strings.TrimSuffix(text, ";"))
			if len(fields) >= 3 {
				refl.Uniforms = append(refl.Uniforms, fields[len(fields)-1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, Reflection{}, err
	}

	out := make([]byte, 0, len(bytecodeMagic)+len(source))
	out = append(out, bytecodeMagic...)
	out = append(out, source...)
	return out, refl, nil
}

// Package decode turns raw asset bytes into CPU-side payloads.
//
// Decoding is format-specific work the loader delegates to a Decoder chosen
// by asset type. Payloads of GPU-backed types (texture, mesh, shader) are
// later handed to the GPU stage; everything else is final after decode.
//
// Example Usage:
//
//	decoders := decode.NewRegistry()
//	decoders.Register(asset.TypeTexture, decode.ImageDecoder{})
//	decoders.Register(asset.TypeMaterial, decode.MaterialDecoder{})
//	decoders.Register(asset.TypeShader, &decode.ShaderDecoder{
//		Compiler: decode.PassthroughCompiler{},
//	})
//
//	payload, err := decoders.Decode(ctx, "textures/brick.png", asset.TypeTexture, data)
//	if err != nil {
//		return err
//	}
//	fmt.Printf("%dx%d %s\n", payload.Width, payload.Height, payload.Format)
package decode

import (
	"context"
	"errors"
	"sync"

	"github.com/orneryd/assetcore/pkg/asset"
)

// ErrUnsupported is returned by decoders handed a type they do not handle.
var ErrUnsupported = errors.New("decode: unsupported asset type")

// Payload is the CPU-side result of decoding one asset.
type Payload struct {
	Type  asset.Type
	Bytes []byte

	// Texture dimensions and pixel format.
	Width  int
	Height int
	Format string

	// Reflection is set for shaders.
	Reflection *Reflection

	// Material is set for material definitions.
	Material *Material

	// Deps lists asset paths this payload references.
	Deps []string
}

// Size returns the number of staged bytes.
func (p *Payload) Size() int64 {
	if p == nil {
		return 0
	}
	return int64(len(p.Bytes))
}

// Release drops the payload bytes so they can be collected.
func (p *Payload) Release() {
	if p != nil {
		p.Bytes = nil
	}
}

// Decoder converts the bytes read for path into a payload.
type Decoder interface {
	Decode(ctx context.Context, path string, data []byte) (*Payload, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, path string, data []byte) (*Payload, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(ctx context.Context, path string, data []byte) (*Payload, error) {
	return f(ctx, path, data)
}

// Registry maps asset types to decoders. Types without a decoder use
// RawDecoder.
type Registry struct {
	mu       sync.RWMutex
	decoders map[asset.Type]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[asset.Type]Decoder)}
}

// Register installs d for t, replacing any previous decoder.
func (r *Registry) Register(t asset.Type, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[t] = d
}

// For returns the decoder for t.
func (r *Registry) For(t asset.Type) Decoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.decoders[t]; ok {
		return d
	}
	return RawDecoder{}
}

// Decode decodes data with the decoder registered for t. The payload's
// Type is always t.
func (r *Registry) Decode(ctx context.Context, path string, t asset.Type, data []byte) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := r.For(t).Decode(ctx, path, data)
	if err != nil {
		return nil, err
	}
	p.Type = t
	return p, nil
}

// RawDecoder passes bytes through unchanged. It serves meshes, audio,
// scenes and animations, whose formats are parsed downstream.
type RawDecoder struct{}

// Decode implements Decoder.
func (RawDecoder) Decode(_ context.Context, _ string, data []byte) (*Payload, error) {
	return &Payload{Bytes: data, Format: "raw"}, nil
}

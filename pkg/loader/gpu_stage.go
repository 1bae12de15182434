package loader

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/gpu"
)

// stageOrder is the order staging queues are drained in. Shaders go first
// so pipelines can be built while textures upload.
var stageOrder = []asset.Type{asset.TypeShader, asset.TypeTexture, asset.TypeMesh}

func (l *Loader) gpuLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-l.gpuWake:
			l.pumpGPU()
		}
	}
}

// pumpGPU creates resources for everything staged. Only one goroutine
// runs it at a time.
func (l *Loader) pumpGPU() {
	l.gpuMu.Lock()
	defer l.gpuMu.Unlock()

	for {
		progressed := false
		for _, typ := range stageOrder {
			it, ok := l.staging[typ].pop()
			if !ok {
				continue
			}
			progressed = true
			l.createResource(it)
		}
		if !progressed {
			return
		}
	}
}

// createResource must be called with gpuMu held.
func (l *Loader) createResource(it stagedItem) {
	meta, ok := l.reg.Get(it.id)
	if !ok {
		it.payload.Release()
		l.complete(it.id, asset.ErrNotRegistered)
		return
	}

	_, span := l.tracer.Start(context.Background(), "loader.gpu_stage", trace.WithAttributes(
		attribute.String("asset.id", it.id.String()),
		attribute.String("asset.type", it.typ.String()),
		attribute.Int64("payload.bytes", it.payload.Size()),
	))
	defer span.End()

	res, err := l.upload(it)
	// The device has its own copy now, or the upload failed. Either way the
	// staged bytes are no longer needed.
	it.payload.Release()
	if err != nil {
		l.fail(meta, "gpu", fmt.Errorf("%w: %w", asset.ErrGPUStageFailed, err), span)
		return
	}
	l.finish(meta, it.fileSize, res, span)
}

func (l *Loader) upload(it stagedItem) (*Resource, error) {
	if l.gpu == nil {
		return nil, gpu.ErrGPUDisabled
	}
	p := it.payload
	switch it.typ {
	case asset.TypeTexture:
		tex, err := l.gpu.CreateTexture(gpu.TextureDesc{Width: p.Width, Height: p.Height, Format: p.Format}, p.Bytes)
		if err != nil {
			return nil, err
		}
		return &Resource{Texture: tex}, nil
	case asset.TypeMesh:
		mesh, err := l.gpu.CreateMesh(gpu.MeshDesc{}, p.Bytes)
		if err != nil {
			return nil, err
		}
		return &Resource{Mesh: mesh}, nil
	case asset.TypeShader:
		desc := gpu.ShaderDesc{}
		if p.Reflection != nil {
			desc.Stage = p.Reflection.Stage
			desc.EntryPoint = p.Reflection.EntryPoint
		}
		sh, err := l.gpu.CreateShader(desc, p.Bytes)
		if err != nil {
			return nil, err
		}
		return &Resource{Shader: sh}, nil
	default:
		return nil, fmt.Errorf("no GPU resource for %s", it.typ)
	}
}

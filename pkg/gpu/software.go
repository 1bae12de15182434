package gpu

import (
	"sync"
	"sync/atomic"
)

// SoftwareDevice is a Device that hands out handles without touching
// hardware. It is safe for concurrent use.
type SoftwareDevice struct {
	next atomic.Uint64

	mu   sync.Mutex
	live map[Handle]Kind

	// FailFunc, when set, is consulted before every creation. A non-nil
	// result fails the call.
	FailFunc func(kind Kind, size int) error
}

// NewSoftwareDevice returns an empty software device.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{live: make(map[Handle]Kind)}
}

// Info implements Device.
func (d *SoftwareDevice) Info() DeviceInfo {
	return DeviceInfo{
		Name:      "software",
		Vendor:    "assetcore",
		Backend:   BackendSoftware,
		Available: true,
	}
}

// CreateTexture implements Device.
func (d *SoftwareDevice) CreateTexture(_ TextureDesc, pixels []byte) (Handle, error) {
	return d.alloc(KindTexture, len(pixels))
}

// CreateMesh implements Device.
func (d *SoftwareDevice) CreateMesh(_ MeshDesc, data []byte) (Handle, error) {
	return d.alloc(KindMesh, len(data))
}

// CreateShader implements Device.
func (d *SoftwareDevice) CreateShader(_ ShaderDesc, bytecode []byte) (Handle, error) {
	return d.alloc(KindShader, len(bytecode))
}

// Release implements Device.
func (d *SoftwareDevice) Release(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[h]; !ok {
		return ErrUnknownResource
	}
	delete(d.live, h)
	return nil
}

// Live returns the number of unreleased handles.
func (d *SoftwareDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *SoftwareDevice) alloc(kind Kind, size int) (Handle, error) {
	if d.FailFunc != nil {
		if err := d.FailFunc(kind, size); err != nil {
			return 0, err
		}
	}
	h := Handle(d.next.Add(1))
	d.mu.Lock()
	d.live[h] = kind
	d.mu.Unlock()
	return h, nil
}

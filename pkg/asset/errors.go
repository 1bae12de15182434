package asset

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the registry, loader and hot reload manager.
// Match with errors.Is; LoadError carries the asset context.
var (
	ErrNotRegistered     = errors.New("asset: not registered")
	ErrAlreadyInProgress = errors.New("asset: load already in progress")
	ErrDependencyFailed  = errors.New("asset: dependency load failed")
	ErrDecodeFailed      = errors.New("asset: decode or compile failed")
	ErrGPUStageFailed    = errors.New("asset: gpu stage failed")
	ErrRetriesExhausted  = errors.New("asset: reload retries exhausted")
	ErrDependencyCycle   = errors.New("asset: dependency cycle")
	ErrInvalidTransition = errors.New("asset: invalid state transition")
	ErrInvalidAsset      = errors.New("asset: invalid asset")
	ErrClosed            = errors.New("asset: closed")
)

// LoadError reports a failure of one operation on one asset.
type LoadError struct {
	ID   ID
	Path string
	Op   string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Path, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

package loader

import (
	"sync"
	"time"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/decode"
)

// stagedItem is a decoded payload awaiting GPU resource creation.
type stagedItem struct {
	id       asset.ID
	path     string
	typ      asset.Type
	fileSize int64
	payload  *decode.Payload
	staged   time.Time
}

// StagingQueue is a FIFO of decoded payloads of one asset type.
type StagingQueue struct {
	typ asset.Type

	mu    sync.Mutex
	items []stagedItem
	bytes int64
}

// NewStagingQueue returns an empty queue for typ.
func NewStagingQueue(typ asset.Type) *StagingQueue {
	return &StagingQueue{typ: typ}
}

// Type returns the asset type held by the queue.
func (s *StagingQueue) Type() asset.Type {
	return s.typ
}

func (s *StagingQueue) push(it stagedItem) {
	s.mu.Lock()
	s.items = append(s.items, it)
	s.bytes += it.payload.Size()
	s.mu.Unlock()
}

func (s *StagingQueue) pop() (stagedItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return stagedItem{}, false
	}
	it := s.items[0]
	s.items[0] = stagedItem{}
	s.items = s.items[1:]
	s.bytes -= it.payload.Size()
	return it, true
}

// Len returns the number of staged payloads.
func (s *StagingQueue) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Bytes returns the payload bytes currently staged.
func (s *StagingQueue) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/decode"
)

func payloadOf(n int) *decode.Payload {
	return &decode.Payload{Bytes: make([]byte, n)}
}

func TestRequestQueueStrictPriority(t *testing.T) {
	q := NewRequestQueue(0)
	ids := make([]asset.ID, 6)
	for i := range ids {
		ids[i] = asset.NewID()
	}
	prios := []asset.Priority{
		asset.PriorityLow, asset.PriorityNormal, asset.PriorityHigh,
		asset.PriorityLow, asset.PriorityCritical, asset.PriorityNormal,
	}
	for i, id := range ids {
		require.True(t, q.Push(request{id: id, priority: prios[i]}))
	}

	h, n, l := q.Lens()
	assert.Equal(t, 2, h)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, l)

	var got []asset.ID
	for {
		r, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, r.id)
	}
	assert.Equal(t, []asset.ID{ids[2], ids[4], ids[1], ids[5], ids[0], ids[3]}, got)
	assert.Zero(t, q.Len())
}

func TestRequestQueueCapacityAndRemove(t *testing.T) {
	q := NewRequestQueue(2)
	a, b, c := asset.NewID(), asset.NewID(), asset.NewID()

	assert.True(t, q.Push(request{id: a, priority: asset.PriorityLow}))
	assert.True(t, q.Push(request{id: b, priority: asset.PriorityHigh}))
	assert.False(t, q.Push(request{id: c}))

	assert.True(t, q.Remove(a))
	assert.False(t, q.Remove(a))
	assert.True(t, q.Push(request{id: c}))

	r, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, b, r.id)

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected a wake-up token")
	}
}

func TestStagingQueue(t *testing.T) {
	s := NewStagingQueue(asset.TypeMesh)
	assert.Equal(t, asset.TypeMesh, s.Type())

	s.push(stagedItem{id: asset.NewID(), payload: payloadOf(10)})
	s.push(stagedItem{id: asset.NewID(), payload: payloadOf(5)})
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, int64(15), s.Bytes())

	it, ok := s.pop()
	require.True(t, ok)
	assert.Equal(t, int64(10), it.payload.Size())
	assert.Equal(t, int64(5), s.Bytes())
}

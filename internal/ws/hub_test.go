package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveClientIfSkipsReplacedSocket(t *testing.T) {
	h := NewHub()
	first := NewClient("alice", nil)
	second := NewClient("alice", nil)

	h.AddClient("alice", first)
	h.JoinRoom("c1", "alice")
	h.AddClient("alice", second)

	// The stale socket's teardown must leave the live replacement alone.
	assert.False(t, h.RemoveClientIf("alice", first))

	h.Alert("alice", "direct")
	select {
	case got := <-second.send:
		assert.Equal(t, "direct", got)
	default:
		t.Fatal("replacement client lost its registration")
	}

	h.Broadcast("c1", "room")
	select {
	case got := <-second.send:
		assert.Equal(t, "room", got)
	default:
		t.Fatal("replacement client dropped from its room")
	}

	require.True(t, h.RemoveClientIf("alice", second))
	h.Alert("alice", "gone")
	assert.Empty(t, second.send)
}

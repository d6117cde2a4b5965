package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsSameInstance(t *testing.T) {
	first, err := New(Config{Development: true})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := New(Config{})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	require.NotNil(t, l)
	l.Infow("dropped", "k", "v")
}

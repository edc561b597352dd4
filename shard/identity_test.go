//go:build unit

package shard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewInstanceIDIsUniquePerCall(t *testing.T) {
	t.Parallel()

	first := NewInstanceID()
	second := NewInstanceID()

	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)
}

func TestNewInstanceIDIsValidCoordinatorSelfID(t *testing.T) {
	t.Parallel()

	_, err := NewCoordinator(NewInstanceID(), 4, &fakeStore{})
	require.NoError(t, err)
}

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd/registry"
)

func TestPersistAllocatesDistinctPorts(t *testing.T) {
	s := registry.NewStore(1)

	guidA, err := s.Persist("instance-a", "Widget A")
	require.NoError(t, err)
	guidB, err := s.Persist("instance-b", "Widget B")
	require.NoError(t, err)
	assert.NotEqual(t, guidA, guidB)

	devA, ok := s.FindByBusID("1-1")
	require.True(t, ok)
	assert.Equal(t, guidA, devA.GUID)

	devB, ok := s.FindByBusID("1-2")
	require.True(t, ok)
	assert.Equal(t, guidB, devB.GUID)
}

func TestPersistIsIdempotentPerInstance(t *testing.T) {
	s := registry.NewStore(1)
	guid1, err := s.Persist("instance-a", "Widget A")
	require.NoError(t, err)
	guid2, err := s.Persist("instance-a", "Widget A (renamed call)")
	require.NoError(t, err)
	assert.Equal(t, guid1, guid2)
}

func TestSetAttachedRejectsDoubleAttach(t *testing.T) {
	s := registry.NewStore(1)
	guid, err := s.Persist("instance-a", "Widget A")
	require.NoError(t, err)

	_, err = s.SetAttached(guid, "1-1", "10.0.0.5", "")
	require.NoError(t, err)

	_, err = s.SetAttached(guid, "1-1", "10.0.0.6", "")
	assert.Error(t, err)

	require.NoError(t, s.SetDetached(guid))
	_, err = s.SetAttached(guid, "1-1", "10.0.0.6", "")
	assert.NoError(t, err)
}

func TestSetAttachedRejectsStaleBusID(t *testing.T) {
	s := registry.NewStore(1)
	guid, err := s.Persist("instance-a", "Widget A")
	require.NoError(t, err)

	_, err = s.SetAttached(guid, "1-99", "10.0.0.5", "")
	assert.Error(t, err)
}

func TestForgetFreesThePort(t *testing.T) {
	s := registry.NewStore(1)
	guid, err := s.Persist("instance-a", "Widget A")
	require.NoError(t, err)
	require.NoError(t, s.Forget(guid))

	guid2, err := s.Persist("instance-b", "Widget B")
	require.NoError(t, err)
	dev, ok := s.FindByBusID("1-1")
	require.True(t, ok)
	assert.Equal(t, guid2, dev.GUID)
}

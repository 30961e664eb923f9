package device

import (
	"testing"

	"github.com/docustream/backend/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Exclusive(t *testing.T) {
	reg := NewRegistry()

	lease, err := reg.Acquire("user-1", "default")
	require.NoError(t, err)
	assert.True(t, reg.Held("user-1", "default"))

	_, err = reg.Acquire("user-1", "default")
	assert.ErrorIs(t, err, capture.ErrInUse)

	// other owners and other inputs are independent
	other, err := reg.Acquire("user-2", "default")
	require.NoError(t, err)
	usb, err := reg.Acquire("user-1", "usb")
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	assert.False(t, reg.Held("user-1", "default"))
	assert.True(t, reg.Held("user-2", "default"))

	again, err := reg.Acquire("user-1", "default")
	require.NoError(t, err)

	// a stale release must not free the new holder
	lease.Release()
	assert.True(t, reg.Held("user-1", "default"))

	again.Release()
	other.Release()
	usb.Release()
	assert.False(t, reg.Held("user-1", "usb"))
}

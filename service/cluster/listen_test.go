package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenReusePortSharesAddress(t *testing.T) {
	if !ReusePortSupported {
		t.Skip("SO_REUSEPORT not available")
	}
	ctx := context.Background()
	a, err := Listen(ctx, "127.0.0.1:0", true)
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen(ctx, a.Addr().String(), true)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, a.Addr().String(), b.Addr().String())
}

func TestListenWithoutReusePortConflicts(t *testing.T) {
	ctx := context.Background()
	a, err := Listen(ctx, "127.0.0.1:0", false)
	require.NoError(t, err)
	defer a.Close()

	_, err = Listen(ctx, a.Addr().String(), false)
	assert.Error(t, err)
}

package zones

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zoned/config"
)

func TestLocalZoneLifecycle(t *testing.T) {
	rootfs := filepath.Join(t.TempDir(), "rootfs")
	z := NewLocal(config.ZoneManifest{ID: "test", Privilege: 5, Rootfs: rootfs}, zap.NewNop())

	assert.Equal(t, "test", z.ID())
	assert.Equal(t, 5, z.Privilege())
	assert.Equal(t, rootfs, z.Rootfs())
	assert.False(t, z.IsRunning())

	assert.Error(t, z.Stop(), "stopping a stopped zone fails")
	assert.Error(t, z.GoForeground(), "foreground requires running")

	require.NoError(t, z.Start())
	assert.True(t, z.IsRunning())
	assert.Error(t, z.Start(), "double start fails")

	st, err := os.Stat(rootfs)
	require.NoError(t, err)
	assert.True(t, st.IsDir(), "start creates the rootfs directory")

	require.NoError(t, z.GoForeground())
	local := z.(*LocalZone)
	assert.True(t, local.IsForeground())
	require.NoError(t, z.GoBackground())
	assert.False(t, local.IsForeground())

	require.NoError(t, z.Stop())
	assert.False(t, z.IsRunning())
}

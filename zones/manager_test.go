package zones

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zoned/config"
	"zoned/metrics"
)

// fakeZone tracks lifecycle transitions without touching the filesystem.
type fakeZone struct {
	mu         sync.Mutex
	id         string
	privilege  int
	rootfs     string
	running    bool
	foreground bool
	startErr   error
}

func (z *fakeZone) ID() string     { return z.id }
func (z *fakeZone) Privilege() int { return z.privilege }
func (z *fakeZone) Rootfs() string { return z.rootfs }

func (z *fakeZone) Start() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.startErr != nil {
		return z.startErr
	}
	if z.running {
		return errors.New("already running")
	}
	z.running = true
	return nil
}

func (z *fakeZone) Stop() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.running {
		return errors.New("not running")
	}
	z.running = false
	z.foreground = false
	return nil
}

func (z *fakeZone) GoForeground() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.running {
		return errors.New("not running")
	}
	z.foreground = true
	return nil
}

func (z *fakeZone) GoBackground() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.running {
		return errors.New("not running")
	}
	z.foreground = false
	return nil
}

func (z *fakeZone) IsRunning() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.running
}

func (z *fakeZone) isForeground() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.foreground
}

// fakeFactory hands out premade fakes and builds plain ones on demand.
func fakeFactory(premade map[string]*fakeZone) Factory {
	return func(m config.ZoneManifest, _ *zap.Logger) Zone {
		if z, ok := premade[m.ID]; ok {
			return z
		}
		return &fakeZone{id: m.ID, privilege: m.Privilege, rootfs: m.Rootfs}
	}
}

func testManifests() *config.Manifests {
	return &config.Manifests{
		Zones: []config.ZoneManifest{
			{ID: "admin", Privilege: 0, Rootfs: "/zones/admin"},
			{ID: "work", Privilege: 10, Rootfs: "/zones/work"},
			{ID: "guest", Privilege: 20, Rootfs: "/zones/guest"},
		},
	}
}

func newTestManager(t *testing.T, manifests *config.Manifests, opts ...ManagerOption) *Manager {
	t.Helper()
	met := metrics.New(prometheus.NewRegistry())
	return NewManager(manifests, zap.NewNop(), met, opts...)
}

func TestManagerZoneIDs(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	assert.Equal(t, []string{"admin", "guest", "work"}, m.GetZoneIDs())
	assert.Empty(t, m.ActiveZoneID())
}

func TestStartStopZone(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))

	require.NoError(t, m.StartZone("work"))
	require.NoError(t, m.Focus("work"))
	assert.Equal(t, "work", m.ActiveZoneID())

	info, err := m.Info("work")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.True(t, info.Active)

	require.NoError(t, m.StopZone("work"))
	assert.Empty(t, m.ActiveZoneID(), "stopping the foreground zone clears it")

	info, err = m.Info("work")
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestStartZoneUnknown(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	assert.Error(t, m.StartZone("nope"))
	assert.Error(t, m.StopZone("nope"))
	_, err := m.Info("nope")
	assert.Error(t, err)
}

func TestFocus(t *testing.T) {
	fakes := map[string]*fakeZone{
		"admin": {id: "admin"},
		"work":  {id: "work", privilege: 10},
		"guest": {id: "guest", privilege: 20},
	}
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(fakes)))
	require.NoError(t, m.StartAll())

	require.NoError(t, m.Focus("work"))
	assert.Equal(t, "work", m.ActiveZoneID())
	assert.True(t, fakes["work"].isForeground())
	assert.False(t, fakes["admin"].isForeground())
	assert.False(t, fakes["guest"].isForeground())

	require.NoError(t, m.Focus("guest"))
	assert.Equal(t, "guest", m.ActiveZoneID())
	assert.False(t, fakes["work"].isForeground())
	assert.True(t, fakes["guest"].isForeground())
}

func TestFocusNotRunning(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	err := m.Focus("work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestStartAllFocusesDefault(t *testing.T) {
	manifests := testManifests()
	manifests.Default = "work"
	m := newTestManager(t, manifests, WithFactory(fakeFactory(nil)))

	require.NoError(t, m.StartAll())
	assert.Equal(t, "work", m.ActiveZoneID())
	for _, id := range m.GetZoneIDs() {
		info, err := m.Info(id)
		require.NoError(t, err)
		assert.True(t, info.Running, id)
	}
}

func TestStartAllFallsBackToMostPrivileged(t *testing.T) {
	manifests := testManifests()
	manifests.Default = "work"
	fakes := map[string]*fakeZone{
		"work": {id: "work", privilege: 10, startErr: errors.New("boom")},
	}
	m := newTestManager(t, manifests, WithFactory(fakeFactory(fakes)))

	require.NoError(t, m.StartAll())
	assert.Equal(t, "admin", m.ActiveZoneID(), "lowest privilege value wins when the default fails")

	info, err := m.Info("work")
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestStopAll(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	require.NoError(t, m.StartAll())
	require.NotEmpty(t, m.ActiveZoneID())

	m.StopAll()
	assert.Empty(t, m.ActiveZoneID())
	for _, id := range m.GetZoneIDs() {
		info, err := m.Info(id)
		require.NoError(t, err)
		assert.False(t, info.Running, id)
	}
}

func TestCreateZone(t *testing.T) {
	var persisted *config.Manifests
	m := newTestManager(t, testManifests(),
		WithFactory(fakeFactory(nil)),
		WithRootfsBase("/tmp/zones"),
		WithPersist(func(snap *config.Manifests) error {
			persisted = snap
			return nil
		}))

	instance, err := m.CreateZone("sandbox", 30)
	require.NoError(t, err)
	assert.NotEmpty(t, instance)
	assert.Contains(t, m.GetZoneIDs(), "sandbox")

	info, err := m.Info("sandbox")
	require.NoError(t, err)
	assert.Equal(t, instance, info.InstanceID)
	assert.Equal(t, int32(30), info.Privilege)
	assert.Equal(t, filepath.Join("/tmp/zones", "sandbox"), info.Rootfs)

	require.NotNil(t, persisted)
	assert.NotNil(t, persisted.Lookup("sandbox"))

	_, err = m.CreateZone("sandbox", 30)
	assert.Error(t, err, "duplicate id rejected")
	_, err = m.CreateZone("", 0)
	assert.Error(t, err, "empty id rejected")
}

func TestDestroyZone(t *testing.T) {
	var persisted *config.Manifests
	m := newTestManager(t, testManifests(),
		WithFactory(fakeFactory(nil)),
		WithPersist(func(snap *config.Manifests) error {
			persisted = snap
			return nil
		}))
	require.NoError(t, m.StartZone("guest"))
	require.NoError(t, m.Focus("guest"))

	require.NoError(t, m.DestroyZone("guest"))
	assert.NotContains(t, m.GetZoneIDs(), "guest")
	assert.Empty(t, m.ActiveZoneID())
	require.NotNil(t, persisted)
	assert.Nil(t, persisted.Lookup("guest"))

	assert.Error(t, m.DestroyZone("guest"))
}

func TestStateHook(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	var mu sync.Mutex
	fired := 0
	m.SetStateHook(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, m.StartZone("admin"))
	require.NoError(t, m.Focus("admin"))
	require.NoError(t, m.StopZone("admin"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, fired)
}

func TestHandleRegister(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))

	res, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)
	assert.False(t, res.Active)

	info, err := m.Info("work")
	require.NoError(t, err)
	assert.True(t, info.Connected)

	_, err = m.handleRegister(2, &RegisterZoneRequest{ZoneID: "ghost"})
	assert.Error(t, err, "unknown zone rejected")
}

func TestHandleRegisterRebind(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))

	_, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)

	// A new connection takes over the zone.
	_, err = m.handleRegister(2, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)
	m.mu.Lock()
	assert.Equal(t, "work", m.peers[2])
	_, stale := m.peers[1]
	assert.False(t, stale)
	m.mu.Unlock()

	// The same connection switches zones.
	_, err = m.handleRegister(2, &RegisterZoneRequest{ZoneID: "guest"})
	require.NoError(t, err)
	workInfo, err := m.Info("work")
	require.NoError(t, err)
	assert.False(t, workInfo.Connected)
	guestInfo, err := m.Info("guest")
	require.NoError(t, err)
	assert.True(t, guestInfo.Connected)
}

func TestAgentDisconnectedUnbinds(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	_, err := m.handleRegister(7, &RegisterZoneRequest{ZoneID: "admin"})
	require.NoError(t, err)

	m.agentDisconnected(7)

	info, err := m.Info("admin")
	require.NoError(t, err)
	assert.False(t, info.Connected)

	// Unbound disconnects are a no-op.
	m.agentDisconnected(99)
}

func TestHandleRegisterReportsActive(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	require.NoError(t, m.StartZone("admin"))
	require.NoError(t, m.Focus("admin"))

	res, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "admin"})
	require.NoError(t, err)
	assert.True(t, res.Active)
}

func TestHandleNotify(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	require.NoError(t, m.StartZone("admin"))
	require.NoError(t, m.StartZone("work"))
	require.NoError(t, m.Focus("admin"))

	_, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "admin"})
	require.NoError(t, err)
	_, err = m.handleRegister(2, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)

	// Background zone notifies the foreground zone.
	res, err := m.handleNotify(2, &NotifyActiveZoneRequest{Application: "mail", Message: "new"})
	require.NoError(t, err)
	assert.True(t, res.Delivered)

	// The foreground zone notifying itself is dropped.
	res, err = m.handleNotify(1, &NotifyActiveZoneRequest{Application: "mail", Message: "new"})
	require.NoError(t, err)
	assert.False(t, res.Delivered)

	// Unregistered connections are rejected.
	_, err = m.handleNotify(9, &NotifyActiveZoneRequest{})
	assert.Error(t, err)
}

func TestHandleNotifyNoActiveZone(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	_, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)

	res, err := m.handleNotify(1, &NotifyActiveZoneRequest{Application: "a"})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestHandleFileMoveStatuses(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	_, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)

	res, err := m.handleFileMove(1, &FileMoveRequest{Destination: "work", Path: "f"})
	require.NoError(t, err)
	assert.Equal(t, FileMoveWrongDestination, res.Status)

	res, err = m.handleFileMove(1, &FileMoveRequest{Destination: "ghost", Path: "f"})
	require.NoError(t, err)
	assert.Equal(t, FileMoveDestinationNotFound, res.Status)

	_, err = m.handleFileMove(9, &FileMoveRequest{Destination: "work", Path: "f"})
	assert.Error(t, err, "unregistered caller rejected")
}

func TestMoveFile(t *testing.T) {
	m := newTestManager(t, nil, WithFactory(fakeFactory(nil)))
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()

	write := func(root, rel, content string) {
		t.Helper()
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	t.Run("succeeds", func(t *testing.T) {
		write(srcRoot, "docs/report.txt", "hello")
		status := m.moveFile(srcRoot, dstRoot, "docs/report.txt")
		assert.Equal(t, FileMoveSucceeded, status)

		moved, err := os.ReadFile(filepath.Join(dstRoot, "docs/report.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(moved))
		_, err = os.Stat(filepath.Join(srcRoot, "docs/report.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing source", func(t *testing.T) {
		assert.Equal(t, FileMoveFailed, m.moveFile(srcRoot, dstRoot, "absent.txt"))
	})

	t.Run("empty path", func(t *testing.T) {
		assert.Equal(t, FileMoveFailed, m.moveFile(srcRoot, dstRoot, ""))
		assert.Equal(t, FileMoveFailed, m.moveFile(srcRoot, dstRoot, "/"))
	})

	t.Run("traversal stays inside", func(t *testing.T) {
		write(srcRoot, "escape.txt", "contained")
		status := m.moveFile(srcRoot, dstRoot, "../../escape.txt")
		assert.Equal(t, FileMoveSucceeded, status)

		// The dot-dot segments are cleaned away, so the file lands inside
		// the destination rootfs rather than above it.
		moved, err := os.ReadFile(filepath.Join(dstRoot, "escape.txt"))
		require.NoError(t, err)
		assert.Equal(t, "contained", string(moved))
	})
}

func TestHandleProxyCallFailures(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))
	_, err := m.handleRegister(1, &RegisterZoneRequest{ZoneID: "work"})
	require.NoError(t, err)

	var gotRes *ProxyCallResponse
	var gotErr error
	respond := func(res *ProxyCallResponse, err error) {
		gotRes, gotErr = res, err
	}

	m.handleProxyCall(9, &ProxyCallRequest{Target: "work"}, respond)
	require.Error(t, gotErr)
	assert.Nil(t, gotRes)

	m.handleProxyCall(1, &ProxyCallRequest{Target: "admin"}, respond)
	require.Error(t, gotErr, "target without a connected agent")
	assert.Contains(t, gotErr.Error(), "not connected")
}

func TestControlHandlers(t *testing.T) {
	m := newTestManager(t, testManifests(), WithFactory(fakeFactory(nil)))

	ids, err := m.handleGetZoneIDs(1, &GetZoneIDsRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "guest", "work"}, ids.IDs)

	_, err = m.handleStartZone(1, &StartZoneRequest{ID: "work"})
	require.NoError(t, err)
	_, err = m.handleSetActiveZone(1, &SetActiveZoneRequest{ID: "work"})
	require.NoError(t, err)

	active, err := m.handleGetActiveZoneID(1, &GetActiveZoneIDRequest{})
	require.NoError(t, err)
	assert.Equal(t, "work", active.ID)

	created, err := m.handleCreateZone(1, &CreateZoneRequest{ID: "extra", Privilege: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, created.InstanceID)

	info, err := m.handleGetZoneInfo(1, &GetZoneInfoRequest{ID: "extra"})
	require.NoError(t, err)
	assert.Equal(t, int32(5), info.Info.Privilege)

	_, err = m.handleDestroyZone(1, &DestroyZoneRequest{ID: "extra"})
	require.NoError(t, err)
	_, err = m.handleStopZone(1, &StopZoneRequest{ID: "work"})
	require.NoError(t, err)
}

package test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zoned/agent"
	"zoned/client"
	"zoned/config"
	"zoned/ipc"
	"zoned/metrics"
	"zoned/zones"
)

const waitFor = 3 * time.Second

// host is a fully wired zone host on temporary unix sockets: manager,
// agent endpoint, control endpoint.
type host struct {
	manager     *zones.Manager
	agentAddr   string
	controlAddr string
}

func startHost(t *testing.T, manifests *config.Manifests) *host {
	t.Helper()
	dir := t.TempDir()
	h := &host{
		agentAddr:   filepath.Join(dir, "a.sock"),
		controlAddr: filepath.Join(dir, "c.sock"),
	}

	log := zap.NewNop()
	met := metrics.New(prometheus.NewRegistry())
	h.manager = zones.NewManager(manifests, log, met)

	agentSvc := ipc.NewService("unix", h.agentAddr, ipc.WithLogger(log))
	controlSvc := ipc.NewService("unix", h.controlAddr, ipc.WithLogger(log))
	h.manager.Attach(agentSvc, controlSvc)

	require.NoError(t, agentSvc.Start())
	t.Cleanup(agentSvc.Stop)
	require.NoError(t, controlSvc.Start())
	t.Cleanup(controlSvc.Stop)
	return h
}

func testManifests(t *testing.T) (*config.Manifests, string) {
	t.Helper()
	base := t.TempDir()
	return &config.Manifests{
		Default: "admin",
		Zones: []config.ZoneManifest{
			{ID: "admin", Privilege: 0, Rootfs: filepath.Join(base, "admin")},
			{ID: "work", Privilege: 10, Rootfs: filepath.Join(base, "work")},
		},
	}, base
}

// agentEvents buffers the signal-driven hooks so tests can assert on them
// without blocking the dispatch goroutine.
type agentEvents struct {
	gained chan struct{}
	lost   chan struct{}
	notes  chan zones.Notification
	states chan zones.ZoneStateEvent
}

func newAgentEvents() *agentEvents {
	return &agentEvents{
		gained: make(chan struct{}, 16),
		lost:   make(chan struct{}, 16),
		notes:  make(chan zones.Notification, 16),
		states: make(chan zones.ZoneStateEvent, 64),
	}
}

func (e *agentEvents) handlers(proxy func(origin string, method uint32, payload []byte) ([]byte, error)) agent.Handlers {
	return agent.Handlers{
		FocusGained: func() { e.gained <- struct{}{} },
		FocusLost:   func() { e.lost <- struct{}{} },
		Notification: func(zone, application, message string) {
			e.notes <- zones.Notification{Zone: zone, Application: application, Message: message}
		},
		ZoneState: func(zone, state string) {
			e.states <- zones.ZoneStateEvent{Zone: zone, State: state}
		},
		ProxyTarget: proxy,
	}
}

func awaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// awaitState skips unrelated broadcasts until the wanted transition shows up.
func awaitState(t *testing.T, ch <-chan zones.ZoneStateEvent, zone, state string) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-ch:
			if ev.Zone == zone && ev.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for zone %q state %q", zone, state)
		}
	}
}

func dialAgent(t *testing.T, h *host, zoneID string, ev *agentEvents, proxy func(string, uint32, []byte) ([]byte, error)) *agent.Agent {
	t.Helper()
	a, err := agent.Dial("unix", h.agentAddr, zoneID, ev.handlers(proxy), agent.WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func dialControl(t *testing.T, h *host) *client.Client {
	t.Helper()
	ctl, err := client.Dial("unix", h.controlAddr, client.WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(ctl.Close)
	return ctl
}

// TestZoneHostEndToEnd drives the whole stack over real sockets: control
// plane lifecycle, agent registration, focus switching, notification
// routing, file moves between rootfs trees, and proxy call relay.
func TestZoneHostEndToEnd(t *testing.T) {
	manifests, base := testManifests(t)
	h := startHost(t, manifests)
	ctl := dialControl(t, h)

	ids, err := ctl.ZoneIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "work"}, ids)

	require.NoError(t, ctl.StartZone("admin"))
	require.NoError(t, ctl.StartZone("work"))

	info, err := ctl.ZoneInfo("admin")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.False(t, info.Active)
	assert.False(t, info.Connected)
	assert.NotEmpty(t, info.InstanceID)

	evA := newAgentEvents()
	agentA := dialAgent(t, h, "admin", evA, func(origin string, method uint32, payload []byte) ([]byte, error) {
		return append(payload, []byte(" from admin")...), nil
	})
	assert.False(t, agentA.IsActive(), "nothing is focused yet")

	evB := newAgentEvents()
	agentB := dialAgent(t, h, "work", evB, func(origin string, method uint32, payload []byte) ([]byte, error) {
		assert.Equal(t, "admin", origin)
		assert.Equal(t, uint32(7), method)
		return append(payload, []byte(" pong")...), nil
	})

	// Focus admin: admin gains, work (running in background) is told it lost.
	require.NoError(t, ctl.Focus("admin"))
	awaitSignal(t, evA.gained, "admin focus gained")
	awaitSignal(t, evB.lost, "work focus lost")
	assert.True(t, agentA.IsActive())

	active, err := ctl.ActiveZone()
	require.NoError(t, err)
	assert.Equal(t, "admin", active)

	info, err = ctl.ZoneInfo("admin")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.True(t, info.Connected)

	// Switch the foreground to work.
	require.NoError(t, ctl.Focus("work"))
	awaitSignal(t, evB.gained, "work focus gained")
	awaitSignal(t, evA.lost, "admin focus lost")
	assert.True(t, agentB.IsActive())
	assert.False(t, agentA.IsActive())

	// A background zone notifies; the active zone's agent receives it.
	delivered, err := agentA.Notify("mail", "three unread")
	require.NoError(t, err)
	assert.True(t, delivered)
	select {
	case n := <-evB.notes:
		assert.Equal(t, zones.Notification{Zone: "admin", Application: "mail", Message: "three unread"}, n)
	case <-time.After(waitFor):
		t.Fatal("notification never arrived")
	}

	// The active zone notifying itself is reported undelivered.
	delivered, err = agentB.Notify("mail", "self")
	require.NoError(t, err)
	assert.False(t, delivered)

	// File move between the two rootfs trees.
	srcFile := filepath.Join(base, "work", "report.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("quarterly"), 0o644))

	status, err := agentB.MoveFile("admin", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, zones.FileMoveSucceeded, status)
	moved, err := os.ReadFile(filepath.Join(base, "admin", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(moved))
	_, err = os.Stat(srcFile)
	assert.True(t, os.IsNotExist(err), "source must be gone after the move")

	status, err = agentB.MoveFile("work", "anything")
	require.NoError(t, err)
	assert.Equal(t, zones.FileMoveWrongDestination, status)

	status, err = agentB.MoveFile("ghost", "anything")
	require.NoError(t, err)
	assert.Equal(t, zones.FileMoveDestinationNotFound, status)

	// Proxy call relay: admin -> host -> work and back.
	reply, err := agentA.ProxyCall("work", 7, []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping pong", string(reply))

	// Runtime zone management over the control plane.
	instance, err := ctl.CreateZone("guest", 20)
	require.NoError(t, err)
	assert.NotEmpty(t, instance)
	awaitState(t, evA.states, "guest", zones.StateCreated)

	ids, err = ctl.ZoneIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "guest", "work"}, ids)

	// Proxying to a zone with no connected agent fails cleanly.
	_, err = agentA.ProxyCall("guest", 7, []byte("ping"), 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	require.NoError(t, ctl.DestroyZone("guest"))
	awaitState(t, evA.states, "guest", zones.StateDestroyed)

	// Lifecycle broadcasts reach the remaining agents.
	require.NoError(t, ctl.StopZone("work"))
	awaitState(t, evA.states, "work", zones.StateStopped)

	// Dropping an agent connection is announced to the others.
	agentB.Close()
	awaitState(t, evA.states, "work", zones.StateDisconnected)

	info, err = ctl.ZoneInfo("work")
	require.NoError(t, err)
	assert.False(t, info.Connected)
}

// TestStartAllFocusesDefaultZone boots the host the way the daemon does and
// verifies an already connected agent sees the default zone take focus.
func TestStartAllFocusesDefaultZone(t *testing.T) {
	manifests, _ := testManifests(t)
	h := startHost(t, manifests)

	evA := newAgentEvents()
	agentA := dialAgent(t, h, "admin", evA, nil)
	assert.False(t, agentA.IsActive())

	require.NoError(t, h.manager.StartAll())
	awaitSignal(t, evA.gained, "default zone focus")
	assert.True(t, agentA.IsActive())

	ctl := dialControl(t, h)
	active, err := ctl.ActiveZone()
	require.NoError(t, err)
	assert.Equal(t, "admin", active)

	for _, id := range []string{"admin", "work"} {
		info, err := ctl.ZoneInfo(id)
		require.NoError(t, err)
		assert.True(t, info.Running, "zone %s must be running", id)
	}
}

// TestRegisterUnknownZoneRejected covers an agent claiming a zone the host
// has no manifest for.
func TestRegisterUnknownZoneRejected(t *testing.T) {
	manifests, _ := testManifests(t)
	h := startHost(t, manifests)

	_, err := agent.Dial("unix", h.agentAddr, "nope", agent.Handlers{}, agent.WithTimeout(2*time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown zone")
}

// TestAgentRegistrationReportsActive registers after the zone already holds
// the foreground; the registration reply itself must say so.
func TestAgentRegistrationReportsActive(t *testing.T) {
	manifests, _ := testManifests(t)
	h := startHost(t, manifests)
	require.NoError(t, h.manager.StartAll())

	ev := newAgentEvents()
	a := dialAgent(t, h, "admin", ev, nil)
	assert.True(t, a.IsActive(), "admin held the foreground before the agent connected")
}

package zones

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"zoned/config"
	"zoned/ipc"
	"zoned/metrics"
	"zoned/wire"
)

const defaultRootfsBase = "/var/lib/zoned/zones"

// record tracks one zone plus its agent connection, if any.
type record struct {
	zone       Zone
	instanceID string
	peer       wire.PeerID // 0 while no agent is bound
}

// Manager owns the zone table, the foreground zone, and the bindings between
// agent connections and zones. Handlers registered through Attach run on the
// endpoint processor goroutines, so all state lives behind one mutex.
type Manager struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	factory    Factory
	rootfsBase string
	persist    func(*config.Manifests) error
	onState    func()

	agents *ipc.Service

	mu          sync.Mutex
	zones       map[string]*record
	peers       map[wire.PeerID]string
	active      string
	defaultZone string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFactory overrides how zones are realized.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithPersist installs the hook that writes the zone inventory back to disk
// after CreateZone and DestroyZone.
func WithPersist(fn func(*config.Manifests) error) ManagerOption {
	return func(m *Manager) { m.persist = fn }
}

// WithRootfsBase sets the directory under which created zones get their
// rootfs.
func WithRootfsBase(dir string) ManagerOption {
	return func(m *Manager) { m.rootfsBase = dir }
}

// NewManager builds a manager pre-populated from the zone inventory.
// met must not be nil; tests pass collectors on a private registry.
func NewManager(manifests *config.Manifests, log *zap.Logger, met *metrics.Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:        log.Named("zones"),
		metrics:    met,
		factory:    NewLocal,
		rootfsBase: defaultRootfsBase,
		zones:      make(map[string]*record),
		peers:      make(map[wire.PeerID]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if manifests != nil {
		m.defaultZone = manifests.Default
		for _, zm := range manifests.Zones {
			m.zones[zm.ID] = &record{
				zone:       m.factory(zm, m.log),
				instanceID: uuid.NewString(),
			}
		}
	}
	return m
}

// SetStateHook installs a callback fired after every zone state transition.
// It runs on whichever goroutine performed the transition, often an endpoint
// processor loop, so it must not block. Set it before the endpoints start.
func (m *Manager) SetStateHook(fn func()) {
	m.onState = fn
}

// Attach registers the manager's method handlers and peer callbacks: the
// agent-facing set on agents, the operator-facing set on control. Call once,
// before either service starts.
func (m *Manager) Attach(agents, control *ipc.Service) {
	m.agents = agents

	ipc.AddMethodHandler(agents, MethodRegisterZone, m.handleRegister)
	ipc.AddMethodHandler(agents, MethodNotifyActiveZone, m.handleNotify)
	ipc.AddMethodHandler(agents, MethodFileMove, m.handleFileMove)
	ipc.AddMethodHandlerDeferred(agents, MethodProxyCall, m.handleProxyCall)
	agents.SetPeerAddedCallback(m.agentConnected)
	agents.SetPeerRemovedCallback(m.agentDisconnected)

	ipc.AddMethodHandler(control, MethodGetZoneIDs, m.handleGetZoneIDs)
	ipc.AddMethodHandler(control, MethodGetActiveZoneID, m.handleGetActiveZoneID)
	ipc.AddMethodHandler(control, MethodSetActiveZone, m.handleSetActiveZone)
	ipc.AddMethodHandler(control, MethodStartZone, m.handleStartZone)
	ipc.AddMethodHandler(control, MethodStopZone, m.handleStopZone)
	ipc.AddMethodHandler(control, MethodCreateZone, m.handleCreateZone)
	ipc.AddMethodHandler(control, MethodDestroyZone, m.handleDestroyZone)
	ipc.AddMethodHandler(control, MethodGetZoneInfo, m.handleGetZoneInfo)
}

// GetZoneIDs returns all known zone IDs, sorted.
func (m *Manager) GetZoneIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveZoneID returns the foreground zone ID, empty when none.
func (m *Manager) ActiveZoneID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Info returns a snapshot of one zone.
func (m *Manager) Info(id string) (ZoneInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.zones[id]
	if !ok {
		return ZoneInfo{}, errors.Errorf("unknown zone %q", id)
	}
	return ZoneInfo{
		ID:         id,
		InstanceID: rec.instanceID,
		Privilege:  int32(rec.zone.Privilege()),
		Rootfs:     rec.zone.Rootfs(),
		Running:    rec.zone.IsRunning(),
		Active:     m.active == id,
		Connected:  rec.peer != 0,
	}, nil
}

// StartZone starts one zone.
func (m *Manager) StartZone(id string) error {
	m.mu.Lock()
	rec, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("unknown zone %q", id)
	}
	if err := rec.zone.Start(); err != nil {
		m.mu.Unlock()
		return err
	}
	running := m.runningCountLocked()
	m.mu.Unlock()

	m.metrics.SetZonesRunning(running)
	m.notifyState(id, StateRunning)
	return nil
}

// StopZone stops one zone, dropping the foreground if it held it.
func (m *Manager) StopZone(id string) error {
	m.mu.Lock()
	rec, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("unknown zone %q", id)
	}
	if err := rec.zone.Stop(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.active == id {
		m.active = ""
	}
	running := m.runningCountLocked()
	m.mu.Unlock()

	m.metrics.SetZonesRunning(running)
	m.notifyState(id, StateStopped)
	return nil
}

// Focus moves the foreground to the named zone: every other running zone
// goes background first and its agent gets FocusLost, then the target goes
// foreground and its agent gets FocusGained.
func (m *Manager) Focus(id string) error {
	type directed struct {
		peer wire.PeerID
		zone string
	}

	m.mu.Lock()
	target, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("unknown zone %q", id)
	}
	if !target.zone.IsRunning() {
		m.mu.Unlock()
		return errors.Errorf("zone %q not running", id)
	}
	var lost []directed
	for zid, rec := range m.zones {
		if zid == id || !rec.zone.IsRunning() {
			continue
		}
		if err := rec.zone.GoBackground(); err != nil {
			m.log.Warn("background failed", zap.String("zone", zid), zap.Error(err))
			continue
		}
		if rec.peer != 0 {
			lost = append(lost, directed{peer: rec.peer, zone: zid})
		}
	}
	if err := target.zone.GoForeground(); err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "focus %q", id)
	}
	m.active = id
	gained := target.peer
	m.mu.Unlock()

	if m.agents != nil {
		for _, d := range lost {
			_ = ipc.SignalPeer(m.agents, d.peer, SignalFocusLost, &FocusEvent{Zone: d.zone})
		}
		if gained != 0 {
			_ = ipc.SignalPeer(m.agents, gained, SignalFocusGained, &FocusEvent{Zone: id})
		}
	}
	m.metrics.RecordFocusSwitch()
	m.notifyState(id, StateForeground)
	return nil
}

// StartAll starts every zone, logging and skipping failures, then focuses
// the configured default zone or, if it did not come up, the running zone
// with the lowest privilege value.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := m.zones[ids[i]].zone.Privilege(), m.zones[ids[j]].zone.Privilege()
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	var started []string
	for _, id := range ids {
		rec := m.zones[id]
		if rec.zone.IsRunning() {
			continue
		}
		if err := rec.zone.Start(); err != nil {
			m.log.Warn("start failed", zap.String("zone", id), zap.Error(err))
			continue
		}
		started = append(started, id)
	}
	candidate := ""
	if m.defaultZone != "" {
		if rec, ok := m.zones[m.defaultZone]; ok && rec.zone.IsRunning() {
			candidate = m.defaultZone
		}
	}
	if candidate == "" {
		for _, id := range ids {
			if m.zones[id].zone.IsRunning() {
				candidate = id
				break
			}
		}
	}
	running := m.runningCountLocked()
	m.mu.Unlock()

	m.metrics.SetZonesRunning(running)
	for _, id := range started {
		m.notifyState(id, StateRunning)
	}
	if candidate == "" {
		return nil
	}
	return m.Focus(candidate)
}

// StopAll stops every running zone and clears the foreground.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var stopped []string
	for id, rec := range m.zones {
		if !rec.zone.IsRunning() {
			continue
		}
		if err := rec.zone.Stop(); err != nil {
			m.log.Warn("stop failed", zap.String("zone", id), zap.Error(err))
			continue
		}
		stopped = append(stopped, id)
	}
	m.active = ""
	running := m.runningCountLocked()
	m.mu.Unlock()

	m.metrics.SetZonesRunning(running)
	sort.Strings(stopped)
	for _, id := range stopped {
		m.notifyState(id, StateStopped)
	}
}

// CreateZone adds a zone record with a fresh instance ID. The rootfs lands
// under the configured base directory. The inventory is persisted when a
// persist hook is installed.
func (m *Manager) CreateZone(id string, privilege int) (string, error) {
	if id == "" {
		return "", errors.New("empty zone id")
	}
	m.mu.Lock()
	if _, ok := m.zones[id]; ok {
		m.mu.Unlock()
		return "", errors.Errorf("zone %q already exists", id)
	}
	manifest := config.ZoneManifest{
		ID:        id,
		Privilege: privilege,
		Rootfs:    filepath.Join(m.rootfsBase, id),
	}
	rec := &record{zone: m.factory(manifest, m.log), instanceID: uuid.NewString()}
	m.zones[id] = rec
	snap := m.manifestsLocked()
	m.mu.Unlock()

	m.persistManifests(snap)
	m.notifyState(id, StateCreated)
	return rec.instanceID, nil
}

// DestroyZone removes a zone record, stopping the zone first if needed.
func (m *Manager) DestroyZone(id string) error {
	m.mu.Lock()
	rec, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("unknown zone %q", id)
	}
	if rec.zone.IsRunning() {
		if err := rec.zone.Stop(); err != nil {
			m.mu.Unlock()
			return errors.Wrapf(err, "stop %q", id)
		}
	}
	if m.active == id {
		m.active = ""
	}
	if rec.peer != 0 {
		delete(m.peers, rec.peer)
	}
	delete(m.zones, id)
	snap := m.manifestsLocked()
	running := m.runningCountLocked()
	m.mu.Unlock()

	m.metrics.SetZonesRunning(running)
	m.persistManifests(snap)
	m.notifyState(id, StateDestroyed)
	return nil
}

func (m *Manager) runningCountLocked() int {
	n := 0
	for _, rec := range m.zones {
		if rec.zone.IsRunning() {
			n++
		}
	}
	return n
}

func (m *Manager) manifestsLocked() *config.Manifests {
	out := &config.Manifests{Default: m.defaultZone}
	ids := make([]string, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := m.zones[id]
		out.Zones = append(out.Zones, config.ZoneManifest{
			ID:        id,
			Privilege: rec.zone.Privilege(),
			Rootfs:    rec.zone.Rootfs(),
		})
	}
	return out
}

func (m *Manager) persistManifests(snap *config.Manifests) {
	if m.persist == nil {
		return
	}
	if err := m.persist(snap); err != nil {
		m.log.Error("persist manifests failed", zap.Error(err))
	}
}

// notifyState broadcasts a lifecycle transition and fires the state hook.
// Never call with the manager mutex held.
func (m *Manager) notifyState(zone, state string) {
	m.log.Info("zone state", zap.String("zone", zone), zap.String("state", state))
	if m.agents != nil {
		_ = ipc.Signal(m.agents, SignalZoneState, &ZoneStateEvent{Zone: zone, State: state})
	}
	if m.onState != nil {
		m.onState()
	}
}

func (m *Manager) agentConnected(peer wire.PeerID) {
	m.metrics.RecordConnect()
	m.log.Debug("agent connected", zap.Uint32("peer", uint32(peer)))
}

func (m *Manager) agentDisconnected(peer wire.PeerID) {
	m.metrics.RecordDisconnect()
	m.mu.Lock()
	zid, bound := m.peers[peer]
	if bound {
		delete(m.peers, peer)
		if rec := m.zones[zid]; rec != nil && rec.peer == peer {
			rec.peer = 0
		}
	}
	m.mu.Unlock()

	if bound {
		m.notifyState(zid, StateDisconnected)
	} else {
		m.log.Debug("agent disconnected", zap.Uint32("peer", uint32(peer)))
	}
}

func (m *Manager) handleRegister(from wire.PeerID, req *RegisterZoneRequest) (*RegisterZoneResponse, error) {
	m.mu.Lock()
	rec, ok := m.zones[req.ZoneID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.Errorf("unknown zone %q", req.ZoneID)
	}
	if old, bound := m.peers[from]; bound && old != req.ZoneID {
		if prev := m.zones[old]; prev != nil && prev.peer == from {
			prev.peer = 0
		}
	}
	if rec.peer != 0 && rec.peer != from {
		m.log.Warn("zone re-registered by new connection",
			zap.String("zone", req.ZoneID),
			zap.Uint32("old_peer", uint32(rec.peer)),
			zap.Uint32("peer", uint32(from)))
		delete(m.peers, rec.peer)
	}
	rec.peer = from
	m.peers[from] = req.ZoneID
	active := m.active == req.ZoneID
	m.mu.Unlock()

	m.notifyState(req.ZoneID, StateRegistered)
	return &RegisterZoneResponse{Active: active}, nil
}

func (m *Manager) handleNotify(from wire.PeerID, req *NotifyActiveZoneRequest) (*NotifyActiveZoneResponse, error) {
	m.mu.Lock()
	src, bound := m.peers[from]
	if !bound {
		m.mu.Unlock()
		return nil, errors.New("caller not registered")
	}
	var target wire.PeerID
	if m.active != "" && m.active != src {
		if rec := m.zones[m.active]; rec != nil {
			target = rec.peer
		}
	}
	m.mu.Unlock()

	if target == 0 {
		return &NotifyActiveZoneResponse{Delivered: false}, nil
	}
	if m.agents != nil {
		_ = ipc.SignalPeer(m.agents, target, SignalNotification, &Notification{
			Zone:        src,
			Application: req.Application,
			Message:     req.Message,
		})
	}
	m.metrics.RecordNotification()
	return &NotifyActiveZoneResponse{Delivered: true}, nil
}

func (m *Manager) handleFileMove(from wire.PeerID, req *FileMoveRequest) (*FileMoveResponse, error) {
	m.mu.Lock()
	src, bound := m.peers[from]
	if !bound {
		m.mu.Unlock()
		return nil, errors.New("caller not registered")
	}
	status := FileMoveSucceeded
	var srcRoot, dstRoot string
	if req.Destination == src {
		status = FileMoveWrongDestination
	} else if dst, ok := m.zones[req.Destination]; !ok {
		status = FileMoveDestinationNotFound
	} else {
		srcRoot = m.zones[src].zone.Rootfs()
		dstRoot = dst.zone.Rootfs()
	}
	m.mu.Unlock()

	if status == FileMoveSucceeded {
		status = m.moveFile(srcRoot, dstRoot, req.Path)
	}
	m.metrics.RecordFileMove(status.String())
	return &FileMoveResponse{Status: status}, nil
}

// moveFile moves rel from srcRoot into dstRoot, keeping the relative path.
// rel is interpreted zone-relative; leading slashes and dot-dot segments are
// cleaned away so the operation cannot leave either rootfs.
func (m *Manager) moveFile(srcRoot, dstRoot, rel string) FileMoveStatus {
	clean := filepath.Clean("/" + rel)
	if clean == "/" {
		m.log.Warn("file move with empty path")
		return FileMoveFailed
	}
	src := filepath.Join(srcRoot, clean)
	dst := filepath.Join(dstRoot, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		m.log.Warn("file move failed", zap.String("path", clean), zap.Error(err))
		return FileMoveFailed
	}
	if err := os.Rename(src, dst); err != nil {
		m.log.Warn("file move failed", zap.String("path", clean), zap.Error(err))
		return FileMoveFailed
	}
	m.log.Debug("file moved", zap.String("src", src), zap.String("dst", dst))
	return FileMoveSucceeded
}

func (m *Manager) handleProxyCall(from wire.PeerID, req *ProxyCallRequest, respond func(*ProxyCallResponse, error)) {
	m.mu.Lock()
	origin, bound := m.peers[from]
	if !bound {
		m.mu.Unlock()
		m.metrics.RecordProxyCall("unregistered")
		respond(nil, errors.New("caller not registered"))
		return
	}
	rec, ok := m.zones[req.Target]
	if !ok || rec.peer == 0 {
		m.mu.Unlock()
		m.metrics.RecordProxyCall("target_unavailable")
		respond(nil, errors.Errorf("target zone %q not connected", req.Target))
		return
	}
	target := rec.peer
	m.mu.Unlock()

	fwd := &ProxyTargetRequest{Origin: origin, Method: req.Method, Payload: req.Payload}
	err := ipc.CallAsync(m.agents, target, MethodProxyTarget, fwd,
		func(res *ProxyTargetResponse, err error) {
			if err != nil {
				m.metrics.RecordProxyCall("error")
				respond(nil, err)
				return
			}
			m.metrics.RecordProxyCall("ok")
			respond(&ProxyCallResponse{Payload: res.Payload}, nil)
		})
	if err != nil {
		m.metrics.RecordProxyCall("error")
		respond(nil, err)
	}
}

func (m *Manager) handleGetZoneIDs(wire.PeerID, *GetZoneIDsRequest) (*GetZoneIDsResponse, error) {
	return &GetZoneIDsResponse{IDs: m.GetZoneIDs()}, nil
}

func (m *Manager) handleGetActiveZoneID(wire.PeerID, *GetActiveZoneIDRequest) (*GetActiveZoneIDResponse, error) {
	return &GetActiveZoneIDResponse{ID: m.ActiveZoneID()}, nil
}

func (m *Manager) handleSetActiveZone(_ wire.PeerID, req *SetActiveZoneRequest) (*SetActiveZoneResponse, error) {
	if err := m.Focus(req.ID); err != nil {
		return nil, err
	}
	return &SetActiveZoneResponse{}, nil
}

func (m *Manager) handleStartZone(_ wire.PeerID, req *StartZoneRequest) (*StartZoneResponse, error) {
	if err := m.StartZone(req.ID); err != nil {
		return nil, err
	}
	return &StartZoneResponse{}, nil
}

func (m *Manager) handleStopZone(_ wire.PeerID, req *StopZoneRequest) (*StopZoneResponse, error) {
	if err := m.StopZone(req.ID); err != nil {
		return nil, err
	}
	return &StopZoneResponse{}, nil
}

func (m *Manager) handleCreateZone(_ wire.PeerID, req *CreateZoneRequest) (*CreateZoneResponse, error) {
	instance, err := m.CreateZone(req.ID, int(req.Privilege))
	if err != nil {
		return nil, err
	}
	return &CreateZoneResponse{InstanceID: instance}, nil
}

func (m *Manager) handleDestroyZone(_ wire.PeerID, req *DestroyZoneRequest) (*DestroyZoneResponse, error) {
	if err := m.DestroyZone(req.ID); err != nil {
		return nil, err
	}
	return &DestroyZoneResponse{}, nil
}

func (m *Manager) handleGetZoneInfo(_ wire.PeerID, req *GetZoneInfoRequest) (*GetZoneInfoResponse, error) {
	info, err := m.Info(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetZoneInfoResponse{Info: info}, nil
}

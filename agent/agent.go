// Package agent is the in-zone side of the host connection. An agent dials
// the host's agent endpoint, registers its zone, reacts to focus and
// notification signals, and answers proxied calls on behalf of in-zone
// applications.
package agent

import (
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"zoned/ipc"
	"zoned/zones"
)

// Handlers are the application hooks an agent drives. All of them run on
// the connection's dispatch goroutine and must not block; nil hooks are
// skipped.
type Handlers struct {
	// FocusGained fires when this zone takes the foreground.
	FocusGained func()
	// FocusLost fires when this zone loses the foreground.
	FocusLost func()
	// Notification receives notifications forwarded while this zone is
	// active: origin zone, application name, message.
	Notification func(zone, application, message string)
	// ZoneState receives host-wide lifecycle broadcasts.
	ZoneState func(zone, state string)
	// ProxyTarget answers calls proxied to this zone. Returning an error
	// propagates it to the origin zone.
	ProxyTarget func(origin string, method uint32, payload []byte) ([]byte, error)
	// Disconnected fires when the host connection drops.
	Disconnected func()
}

// Agent is a live, registered connection to the host.
type Agent struct {
	log     *zap.Logger
	conn    *ipc.Client
	zoneID  string
	timeout time.Duration
	active  atomic.Bool
}

type options struct {
	log     *zap.Logger
	timeout time.Duration
	ipc     []ipc.Option
}

// Option configures an Agent.
type Option func(*options)

// WithLogger sets the agent logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithTimeout sets the per-call timeout. Zero keeps the endpoint default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithIPCOptions forwards options, such as the payload codec, to the
// underlying connection.
func WithIPCOptions(opts ...ipc.Option) Option {
	return func(o *options) { o.ipc = append(o.ipc, opts...) }
}

// Dial connects to the host, installs the handlers, and registers zoneID.
// The returned agent is already registered; IsActive reflects whether the
// zone held the foreground at registration time.
func Dial(network, address, zoneID string, h Handlers, opts ...Option) (*Agent, error) {
	if zoneID == "" {
		return nil, errors.New("empty zone id")
	}
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := ipc.Dial(network, address, append([]ipc.Option{ipc.WithLogger(o.log)}, o.ipc...)...)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		log:     o.log.Named("agent").With(zap.String("zone", zoneID)),
		conn:    conn,
		zoneID:  zoneID,
		timeout: o.timeout,
	}

	// Handlers go in before registration so no signal is missed between
	// the RegisterZone reply and the first focus change.
	ipc.AddSignalHandler(conn, zones.SignalFocusGained, func(_ ipc.PeerID, ev *zones.FocusEvent) {
		a.active.Store(true)
		a.log.Debug("focus gained")
		if h.FocusGained != nil {
			h.FocusGained()
		}
	})
	ipc.AddSignalHandler(conn, zones.SignalFocusLost, func(_ ipc.PeerID, ev *zones.FocusEvent) {
		a.active.Store(false)
		a.log.Debug("focus lost")
		if h.FocusLost != nil {
			h.FocusLost()
		}
	})
	ipc.AddSignalHandler(conn, zones.SignalNotification, func(_ ipc.PeerID, n *zones.Notification) {
		if h.Notification != nil {
			h.Notification(n.Zone, n.Application, n.Message)
		}
	})
	ipc.AddSignalHandler(conn, zones.SignalZoneState, func(_ ipc.PeerID, ev *zones.ZoneStateEvent) {
		if h.ZoneState != nil {
			h.ZoneState(ev.Zone, ev.State)
		}
	})
	ipc.AddMethodHandler(conn, zones.MethodProxyTarget, func(_ ipc.PeerID, req *zones.ProxyTargetRequest) (*zones.ProxyTargetResponse, error) {
		if h.ProxyTarget == nil {
			return nil, errors.New("no proxy handler")
		}
		payload, err := h.ProxyTarget(req.Origin, req.Method, req.Payload)
		if err != nil {
			return nil, err
		}
		return &zones.ProxyTargetResponse{Payload: payload}, nil
	})
	if h.Disconnected != nil {
		conn.SetDisconnectedCallback(h.Disconnected)
	}

	res, err := ipc.CallSync[zones.RegisterZoneRequest, zones.RegisterZoneResponse](
		conn, conn.Peer(), zones.MethodRegisterZone,
		&zones.RegisterZoneRequest{ZoneID: zoneID}, a.timeout)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "register zone")
	}
	a.active.Store(res.Active)
	a.log.Info("registered with host", zap.Bool("active", res.Active))
	return a, nil
}

// ZoneID returns the zone this agent registered as.
func (a *Agent) ZoneID() string { return a.zoneID }

// IsActive reports whether this zone currently holds the foreground,
// tracked from the registration reply and focus signals.
func (a *Agent) IsActive() bool { return a.active.Load() }

// Notify asks the host to forward a notification to the active zone.
// The host reports false when this zone is the active one.
func (a *Agent) Notify(application, message string) (bool, error) {
	res, err := ipc.CallSync[zones.NotifyActiveZoneRequest, zones.NotifyActiveZoneResponse](
		a.conn, a.conn.Peer(), zones.MethodNotifyActiveZone,
		&zones.NotifyActiveZoneRequest{Application: application, Message: message}, a.timeout)
	if err != nil {
		return false, err
	}
	return res.Delivered, nil
}

// MoveFile asks the host to move path from this zone's rootfs into the
// destination zone's rootfs.
func (a *Agent) MoveFile(destination, path string) (zones.FileMoveStatus, error) {
	res, err := ipc.CallSync[zones.FileMoveRequest, zones.FileMoveResponse](
		a.conn, a.conn.Peer(), zones.MethodFileMove,
		&zones.FileMoveRequest{Destination: destination, Path: path}, a.timeout)
	if err != nil {
		return zones.FileMoveFailed, err
	}
	return res.Status, nil
}

// ProxyCall relays an opaque call to the target zone's agent and returns
// its reply payload. timeout covers the whole relay round trip.
func (a *Agent) ProxyCall(target string, method uint32, payload []byte, timeout time.Duration) ([]byte, error) {
	res, err := ipc.CallSync[zones.ProxyCallRequest, zones.ProxyCallResponse](
		a.conn, a.conn.Peer(), zones.MethodProxyCall,
		&zones.ProxyCallRequest{Target: target, Method: method, Payload: payload}, timeout)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Close disconnects from the host.
func (a *Agent) Close() {
	a.conn.Close()
}

// Package client is the typed control-plane client for a zone host. It
// wraps the raw IPC client with one method per host operation; zonectl and
// the integration tests are its consumers.
package client

import (
	"time"

	"zoned/ipc"
	"zoned/zones"
)

// Client talks to a zone host's control endpoint.
type Client struct {
	conn    *ipc.Client
	timeout time.Duration
}

type options struct {
	timeout time.Duration
	ipc     []ipc.Option
}

// Option configures a Client.
type Option func(*options)

// WithTimeout sets the per-call timeout. Zero keeps the endpoint default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithIPCOptions forwards options, such as the payload codec, to the
// underlying connection.
func WithIPCOptions(opts ...ipc.Option) Option {
	return func(o *options) { o.ipc = append(o.ipc, opts...) }
}

// Dial connects to the host control endpoint.
func Dial(network, address string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	conn, err := ipc.Dial(network, address, o.ipc...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: o.timeout}, nil
}

// NewFromConn wraps an already connected IPC client. Close still closes it.
func NewFromConn(conn *ipc.Client, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{conn: conn, timeout: o.timeout}
}

// Close tears down the connection.
func (c *Client) Close() {
	c.conn.Close()
}

// ZoneIDs lists the zones on the host, sorted.
func (c *Client) ZoneIDs() ([]string, error) {
	res, err := ipc.CallSync[zones.GetZoneIDsRequest, zones.GetZoneIDsResponse](
		c.conn, c.conn.Peer(), zones.MethodGetZoneIDs, &zones.GetZoneIDsRequest{}, c.timeout)
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}

// ActiveZone returns the foreground zone ID, empty when none.
func (c *Client) ActiveZone() (string, error) {
	res, err := ipc.CallSync[zones.GetActiveZoneIDRequest, zones.GetActiveZoneIDResponse](
		c.conn, c.conn.Peer(), zones.MethodGetActiveZoneID, &zones.GetActiveZoneIDRequest{}, c.timeout)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// Focus moves the foreground to the named zone.
func (c *Client) Focus(id string) error {
	_, err := ipc.CallSync[zones.SetActiveZoneRequest, zones.SetActiveZoneResponse](
		c.conn, c.conn.Peer(), zones.MethodSetActiveZone, &zones.SetActiveZoneRequest{ID: id}, c.timeout)
	return err
}

// StartZone starts the named zone.
func (c *Client) StartZone(id string) error {
	_, err := ipc.CallSync[zones.StartZoneRequest, zones.StartZoneResponse](
		c.conn, c.conn.Peer(), zones.MethodStartZone, &zones.StartZoneRequest{ID: id}, c.timeout)
	return err
}

// StopZone stops the named zone.
func (c *Client) StopZone(id string) error {
	_, err := ipc.CallSync[zones.StopZoneRequest, zones.StopZoneResponse](
		c.conn, c.conn.Peer(), zones.MethodStopZone, &zones.StopZoneRequest{ID: id}, c.timeout)
	return err
}

// CreateZone adds a zone and returns its instance ID.
func (c *Client) CreateZone(id string, privilege int) (string, error) {
	res, err := ipc.CallSync[zones.CreateZoneRequest, zones.CreateZoneResponse](
		c.conn, c.conn.Peer(), zones.MethodCreateZone,
		&zones.CreateZoneRequest{ID: id, Privilege: int32(privilege)}, c.timeout)
	if err != nil {
		return "", err
	}
	return res.InstanceID, nil
}

// DestroyZone removes a zone, stopping it first when running.
func (c *Client) DestroyZone(id string) error {
	_, err := ipc.CallSync[zones.DestroyZoneRequest, zones.DestroyZoneResponse](
		c.conn, c.conn.Peer(), zones.MethodDestroyZone, &zones.DestroyZoneRequest{ID: id}, c.timeout)
	return err
}

// ZoneInfo reads one zone's state.
func (c *Client) ZoneInfo(id string) (*zones.ZoneInfo, error) {
	res, err := ipc.CallSync[zones.GetZoneInfoRequest, zones.GetZoneInfoResponse](
		c.conn, c.conn.Peer(), zones.MethodGetZoneInfo, &zones.GetZoneInfoRequest{ID: id}, c.timeout)
	if err != nil {
		return nil, err
	}
	info := res.Info
	return &info, nil
}

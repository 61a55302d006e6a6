// Package registry publishes zone hosts to etcd so control tools can find
// every host in a fleet.
//
// Each host announces itself under a well-known prefix:
//
//	Key:   /zoned/hosts/{Name}
//	Value: JSON-encoded HostInfo
//
// Entries are tied to a TTL lease: when a host dies, its lease expires and
// the entry disappears on its own, so the fleet view never accumulates
// ghosts.
package registry

import (
	"context"
	"time"
)

// HostInfo describes one zone host.
type HostInfo struct {
	Name       string    `json:"name"`
	Network    string    `json:"network"`
	Address    string    `json:"address"`
	BootID     string    `json:"boot_id"`
	ActiveZone string    `json:"active_zone"`
	Zones      []string  `json:"zones"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry announces this host and discovers the others.
type Registry interface {
	// Announce publishes info, replacing any previous announcement for the
	// same host name. Safe to call repeatedly as zone state changes.
	Announce(ctx context.Context, info HostInfo) error
	// Withdraw removes this host's announcement.
	Withdraw(ctx context.Context, name string) error
	// Discover lists all announced hosts, sorted by name.
	Discover(ctx context.Context) ([]HostInfo, error)
	// Watch emits the full host list whenever it changes. The channel
	// closes when ctx is done.
	Watch(ctx context.Context) <-chan []HostInfo
}

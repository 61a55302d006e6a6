package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const hostsPrefix = "/zoned/hosts/"

// EtcdRegistry implements Registry on etcd v3.
//
// One instance manages at most one announcement (this host's own entry).
// The first Announce grants a TTL lease and starts KeepAlive; later calls
// re-put the value under the same lease. If the lease is ever lost the next
// Announce grants a fresh one.
type EtcdRegistry struct {
	client *clientv3.Client
	ttl    time.Duration
	log    *zap.Logger

	mu        sync.Mutex
	leaseID   clientv3.LeaseID
	keepStop  context.CancelFunc
	announced string
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, ttl time.Duration, log *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{client: c, ttl: ttl, log: log.Named("registry")}, nil
}

// Announce publishes info under /zoned/hosts/{Name} with the registry lease.
func (r *EtcdRegistry) Announce(ctx context.Context, info HostInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leaseID == 0 {
		if err := r.grantLocked(ctx); err != nil {
			return err
		}
	}

	info.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode host info")
	}
	_, err = r.client.Put(ctx, hostsPrefix+info.Name, string(val), clientv3.WithLease(r.leaseID))
	if err != nil {
		// The lease may have expired while we were away. Drop it so the
		// next announce grants a fresh one.
		r.dropLeaseLocked()
		return errors.Wrap(err, "announce host")
	}
	r.announced = info.Name
	return nil
}

// grantLocked creates the lease and starts its keepalive loop.
func (r *EtcdRegistry) grantLocked(ctx context.Context) error {
	lease, err := r.client.Grant(ctx, int64(r.ttl.Seconds()))
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "keep lease alive")
	}
	r.leaseID = lease.ID
	r.keepStop = cancel

	go func() {
		for range ch {
		}
		// Channel closed: lease lost or keepalive cancelled.
		r.mu.Lock()
		if r.leaseID == lease.ID {
			r.log.Warn("registry lease lost", zap.Int64("lease", int64(lease.ID)))
			r.leaseID = 0
			r.keepStop = nil
		}
		r.mu.Unlock()
	}()
	return nil
}

func (r *EtcdRegistry) dropLeaseLocked() {
	if r.keepStop != nil {
		r.keepStop()
		r.keepStop = nil
	}
	r.leaseID = 0
}

// Withdraw deletes the announcement and revokes the lease.
func (r *EtcdRegistry) Withdraw(ctx context.Context, name string) error {
	r.mu.Lock()
	leaseID := r.leaseID
	r.dropLeaseLocked()
	r.announced = ""
	r.mu.Unlock()

	if leaseID != 0 {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.log.Debug("lease revoke failed", zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, hostsPrefix+name); err != nil {
		return errors.Wrap(err, "withdraw host")
	}
	return nil
}

// Discover lists every announced host, sorted by name. Malformed entries
// are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]HostInfo, error) {
	resp, err := r.client.Get(ctx, hostsPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list hosts")
	}
	hosts := make([]HostInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info HostInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.log.Warn("skipping malformed host entry", zap.ByteString("key", kv.Key))
			continue
		}
		hosts = append(hosts, info)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

// Watch re-lists the hosts on every change under the prefix and emits the
// result. The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []HostInfo {
	out := make(chan []HostInfo, 1)
	go func() {
		defer close(out)
		watchChan := r.client.Watch(ctx, hostsPrefix, clientv3.WithPrefix())
		for range watchChan {
			hosts, err := r.Discover(ctx)
			if err != nil {
				r.log.Warn("host discovery failed", zap.Error(err))
				continue
			}
			select {
			case out <- hosts:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops the keepalive loop and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	r.dropLeaseLocked()
	r.mu.Unlock()
	return r.client.Close()
}

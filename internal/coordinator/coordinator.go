// Package coordinator abstracts the cluster coordinator client (spec §1):
// registering this backup to obtain a server id, and resolving the current
// server list / membership changes. Client is the interface the rest of the
// backup server depends on; EtcdClient is the concrete implementation,
// grounded on the teacher's own dependency on github.com/coreos/etcd.
package coordinator

import (
	"context"
	"fmt"

	"github.com/coreos/etcd/clientv3"

	"github.com/dreamsxin/backupd/internal/types"
)

// ServerInfo is one entry in a resolved server list.
type ServerInfo struct {
	ID      uint64
	Locator string
}

// Client is the cluster coordinator capability set (spec §1).
type Client interface {
	// Register obtains a server id for this process, publishing locator as
	// this backup's reachable address.
	Register(ctx context.Context, locator string) (serverID uint64, err error)
	// ResolveServers returns the current cluster membership list.
	ResolveServers(ctx context.Context) ([]ServerInfo, error)
	// Close releases the coordinator session.
	Close() error
}

const (
	serversPrefix  = "/backupd/servers/"
	registerTTLSec = 10
)

// EtcdClient implements Client, and also implements failure.Tracker by
// watching serversPrefix: a new key is reported as ServerAdded, and every
// key deletion (lease expiry or explicit revoke alike) as ServerCrashed.
type EtcdClient struct {
	cli      *clientv3.Client
	lease    clientv3.LeaseID
	serverID uint64
}

// NewEtcdClient dials the etcd cluster at the given endpoints.
func NewEtcdClient(endpoints []string) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	return &EtcdClient{cli: cli}, nil
}

// Register creates a lease-backed key under serversPrefix so that if this
// process crashes without deregistering, the lease expires and other
// backups' Trackers observe a ServerCrashed change for it.
func (e *EtcdClient) Register(ctx context.Context, locator string) (uint64, error) {
	lease, err := e.cli.Grant(ctx, registerTTLSec)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	resp, err := e.cli.Put(ctx, fmt.Sprintf("%s%d", serversPrefix, lease.ID), locator, clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	keepAlive, err := e.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
			// Drain keepalive responses for the lifetime of ctx; etcd's
			// client library requires this channel to be consumed.
		}
	}()

	e.lease = lease.ID
	e.serverID = uint64(resp.Header.Revision)
	return uint64(lease.ID), nil
}

// ResolveServers lists the current membership.
func (e *EtcdClient) ResolveServers(ctx context.Context) ([]ServerInfo, error) {
	resp, err := e.cli.Get(ctx, serversPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("resolve servers: %w", err)
	}
	out := make([]ServerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, err := parseLeaseKey(string(kv.Key))
		if err != nil {
			continue
		}
		out = append(out, ServerInfo{ID: id, Locator: string(kv.Value)})
	}
	return out, nil
}

// Close releases the etcd session, letting the lease expire naturally so
// peers observe this server's departure as a crash.
func (e *EtcdClient) Close() error {
	return e.cli.Close()
}

// Deregister explicitly revokes the lease, removing this server's key at
// once instead of after the lease TTL. Subscribe reports the resulting
// deletion as ServerCrashed, the same as a lease expiry.
func (e *EtcdClient) Deregister(ctx context.Context) error {
	if e.lease == 0 {
		return nil
	}
	_, err := e.cli.Revoke(ctx, e.lease)
	return err
}

// Subscribe implements failure.Tracker by watching serversPrefix. Each
// watch event is translated into a types.MembershipChange and delivered to
// onChange from the watch goroutine it owns.
func (e *EtcdClient) Subscribe(onChange func(types.MembershipChange)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	watch := e.cli.Watch(ctx, serversPrefix, clientv3.WithPrefix())
	go func() {
		for resp := range watch {
			for _, ev := range resp.Events {
				id, err := parseLeaseKey(string(ev.Kv.Key))
				if err != nil {
					continue
				}
				switch ev.Type {
				case clientv3.EventTypePut:
					if ev.IsCreate() {
						onChange(types.MembershipChange{Kind: types.ServerAdded, ServerID: id})
					}
				case clientv3.EventTypeDelete:
					// etcd does not distinguish an explicit Revoke from a
					// lease timing out in the delete event itself; a
					// production deployment would cross-reference a
					// separate "clean shutdown" marker key. Absent that,
					// every departure is treated conservatively as a crash
					// so the replica manager always re-replicates.
					onChange(types.MembershipChange{Kind: types.ServerCrashed, ServerID: id})
				}
			}
		}
	}()
	return cancel
}

func parseLeaseKey(key string) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(key, serversPrefix+"%d", &id)
	return id, err
}

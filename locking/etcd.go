package locking

import (
	"context"
	"path"
	"sync"

	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// DefaultEtcdPrefix is the key prefix lock ownership is recorded under.
	DefaultEtcdPrefix = "/nsxv/locks"
	// DefaultSessionTTL is how long a crashed holder keeps a lock, in
	// seconds.
	DefaultSessionTTL = 30
)

// EtcdLocks is the multi-process NamedLockService. Each acquisition runs
// on its own lease-backed session; a holder that dies releases its locks
// when the lease expires.
type EtcdLocks struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// NewEtcdLocks wraps an etcd client. Zero values select DefaultEtcdPrefix
// and DefaultSessionTTL.
func NewEtcdLocks(client *clientv3.Client, prefix string, sessionTTL int) *EtcdLocks {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &EtcdLocks{
		client: client,
		prefix: prefix,
		ttl:    sessionTTL,
	}
}

// Acquire blocks until the named lock is held or the context is done.
func (el *EtcdLocks) Acquire(ctx context.Context, name string) (func(), error) {
	session, err := concurrency.NewSession(el.client,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(el.ttl))
	if err != nil {
		return nil, errors.Wrap(err, "creating lock session")
	}

	mutex := concurrency.NewMutex(session, path.Join(el.prefix, name))
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		return nil, errors.Wrapf(err, "acquiring lock %q", name)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := mutex.Unlock(context.Background()); err != nil {
				log.L.WithError(err).WithField("lock", name).Error("failed to release lock")
			}
			if err := session.Close(); err != nil {
				log.L.WithError(err).WithField("lock", name).Error("failed to close lock session")
			}
		})
	}
	return release, nil
}

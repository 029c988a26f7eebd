// Package etcdstore is the production kv.Store implementation, backed by
// an etcd cluster through go.etcd.io/etcd/client/v3.
package etcdstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cuemby/vectorlink-task/pkg/kv"
)

// Store wraps a clientv3.Client to satisfy kv.Store.
type Store struct {
	client *clientv3.Client
}

var _ kv.Store = (*Store)(nil)

// Options configures Connect. TLS is optional: leave it nil to dial etcd
// without mTLS.
type Options struct {
	TLS *tls.Config
}

// Connect dials the given etcd endpoints and returns a Store.
func Connect(endpoints []string, opts ...Options) (*Store, error) {
	cfg := clientv3.Config{Endpoints: endpoints}
	if len(opts) > 0 {
		cfg.TLS = opts[0].TLS
	}

	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("etcdstore: connecting to %v: %w", endpoints, err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying etcd client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string, opt kv.RangeOption) (*kv.GetResponse, error) {
	opts := make([]clientv3.OpOption, 0, 4)
	switch {
	case opt.Prefix:
		opts = append(opts, clientv3.WithPrefix())
	case opt.RangeEnd != "":
		opts = append(opts, clientv3.WithRange(opt.RangeEnd))
	}
	if opt.Limit > 0 {
		opts = append(opts, clientv3.WithLimit(opt.Limit))
	}
	if opt.Revision > 0 {
		opts = append(opts, clientv3.WithRev(opt.Revision))
	}
	if opt.SortByCreateRevision {
		opts = append(opts, clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	}

	resp, err := s.client.Get(ctx, key, opts...)
	if err != nil {
		return nil, fmt.Errorf("etcdstore: get %q: %w", key, err)
	}

	out := &kv.GetResponse{
		Kvs:      make([]kv.KeyValue, len(resp.Kvs)),
		Revision: resp.Header.Revision,
	}
	for i, item := range resp.Kvs {
		out.Kvs[i] = toKeyValue(item)
	}
	return out, nil
}

func (s *Store) Txn(ctx context.Context, cmps []kv.Cmp, thenOps, elseOps []kv.Op) (*kv.TxnResponse, error) {
	txn := s.client.Txn(ctx)

	cmpOps := make([]clientv3.Cmp, len(cmps))
	for i, c := range cmps {
		switch c.Target {
		case kv.CmpVersion:
			cmpOps[i] = clientv3.Compare(clientv3.Version(c.Key), "=", c.Value)
		case kv.CmpCreateRevision:
			cmpOps[i] = clientv3.Compare(clientv3.CreateRevision(c.Key), "=", c.Value)
		default:
			return nil, fmt.Errorf("etcdstore: unknown comparison target %d", c.Target)
		}
	}

	resp, err := txn.
		If(cmpOps...).
		Then(toClientOps(thenOps)...).
		Else(toClientOps(elseOps)...).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("etcdstore: txn: %w", err)
	}

	return &kv.TxnResponse{
		Succeeded: resp.Succeeded,
		Revision:  resp.Header.Revision,
	}, nil
}

func toClientOps(ops []kv.Op) []clientv3.Op {
	out := make([]clientv3.Op, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case kv.OpKindPut:
			putOpts := make([]clientv3.OpOption, 0, 1)
			if op.Lease != 0 {
				putOpts = append(putOpts, clientv3.WithLease(clientv3.LeaseID(op.Lease)))
			}
			out[i] = clientv3.OpPut(op.Key, string(op.Value), putOpts...)
		case kv.OpKindDelete:
			delOpts := make([]clientv3.OpOption, 0, 1)
			if op.Prefix {
				delOpts = append(delOpts, clientv3.WithPrefix())
			}
			out[i] = clientv3.OpDelete(op.Key, delOpts...)
		}
	}
	return out
}

func toKeyValue(item *mvccpb.KeyValue) kv.KeyValue {
	return kv.KeyValue{
		Key:            string(item.Key),
		Value:          item.Value,
		CreateRevision: item.CreateRevision,
		ModRevision:    item.ModRevision,
		Version:        item.Version,
		Lease:          kv.LeaseID(item.Lease),
	}
}

func (s *Store) Watch(ctx context.Context, key string, opt kv.WatchOption) <-chan kv.WatchResponse {
	out := make(chan kv.WatchResponse, 16)

	opts := make([]clientv3.OpOption, 0, 4)
	if opt.Prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	if opt.StartRevision > 0 {
		opts = append(opts, clientv3.WithRev(opt.StartRevision))
	}
	if opt.FilterPut {
		opts = append(opts, clientv3.WithFilterPut())
	}
	if opt.FilterDelete {
		opts = append(opts, clientv3.WithFilterDelete())
	}
	opts = append(opts, clientv3.WithPrevKV())

	watchChan := s.client.Watch(ctx, key, opts...)

	go func() {
		defer close(out)
		for resp := range watchChan {
			if resp.Canceled {
				out <- kv.WatchResponse{Err: resp.Err(), Canceled: true}
				return
			}
			events := make([]kv.WatchEvent, len(resp.Events))
			for i, ev := range resp.Events {
				et := kv.EventPut
				if ev.Type == mvccpb.DELETE {
					et = kv.EventDelete
				}
				events[i] = kv.WatchEvent{Type: et, Kv: toKeyValue(ev.Kv)}
			}
			out <- kv.WatchResponse{Events: events, Revision: resp.Header.Revision}
		}
	}()

	return out
}

func (s *Store) LeaseGrant(ctx context.Context, ttlSeconds int64) (kv.LeaseID, error) {
	resp, err := s.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return 0, fmt.Errorf("etcdstore: lease grant: %w", err)
	}
	return kv.LeaseID(resp.ID), nil
}

func (s *Store) LeaseKeepAliveOnce(ctx context.Context, id kv.LeaseID) (int64, error) {
	resp, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(id))
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("etcdstore: lease keepalive: %w", err)
	}
	return resp.TTL, nil
}

func (s *Store) LeaseRevoke(ctx context.Context, id kv.LeaseID) error {
	_, err := s.client.Revoke(ctx, clientv3.LeaseID(id))
	if err != nil {
		return fmt.Errorf("etcdstore: lease revoke: %w", err)
	}
	return nil
}

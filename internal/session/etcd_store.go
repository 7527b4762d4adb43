package session

import (
	"context"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements Store on etcd. Layout under the prefix:
//
//	sessions/<id>               session JSON
//	owners/<owner>/<context>    session id
//	contexts/<context>/<id>     session id
type EtcdStore struct {
	kv     clientv3.KV
	prefix string
}

// NewEtcdStore creates a store on kv with keys under prefix.
func NewEtcdStore(kv clientv3.KV, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = "/agentgraph/"
	}
	return &EtcdStore{kv: kv, prefix: prefix}
}

// DialEtcd connects to the given endpoints.
func DialEtcd(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "etcd dial")
	}
	return cli, nil
}

func (s *EtcdStore) sessionKey(id string) string {
	return s.prefix + "sessions/" + url.PathEscape(id)
}

func (s *EtcdStore) ownerKey(ownerID, contextID string) string {
	return s.prefix + "owners/" + url.PathEscape(ownerID) + "/" + url.PathEscape(contextID)
}

func (s *EtcdStore) contextPrefix(contextID string) string {
	return s.prefix + "contexts/" + url.PathEscape(contextID) + "/"
}

// Get retrieves a session by ID.
func (s *EtcdStore) Get(ctx context.Context, id string) (*Session, error) {
	resp, err := s.kv.Get(ctx, s.sessionKey(id))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "etcd get session %s", id)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	sess, err := Decode(resp.Kvs[0].Value)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "decode session %s", id)
	}
	return sess, nil
}

func (s *EtcdStore) contextKey(contextID, id string) string {
	return s.contextPrefix(contextID) + url.PathEscape(id)
}

// Put creates or replaces a session and its index keys in one transaction.
// The owner key is claimed only if it is free or already names sess.ID.
func (s *EtcdStore) Put(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return pkgerrors.Wrapf(err, "encode session %s", sess.ID)
	}

	ownerKey := s.ownerKey(sess.OwnerID, sess.ContextID)
	held, err := s.kv.Get(ctx, ownerKey)
	if err != nil {
		return pkgerrors.Wrapf(err, "etcd get owner %s", sess.OwnerID)
	}
	claim := clientv3.Compare(clientv3.CreateRevision(ownerKey), "=", 0)
	if len(held.Kvs) > 0 {
		if holder := string(held.Kvs[0].Value); holder != sess.ID {
			return pkgerrors.Wrapf(ErrConflict, "put session %s: owner %s already has %s", sess.ID, sess.OwnerID, holder)
		}
		claim = clientv3.Compare(clientv3.Value(ownerKey), "=", sess.ID)
	}

	resp, err := s.kv.Txn(ctx).
		If(claim).
		Then(
			clientv3.OpPut(s.sessionKey(sess.ID), string(data)),
			clientv3.OpPut(ownerKey, sess.ID),
			clientv3.OpPut(s.contextKey(sess.ContextID, sess.ID), sess.ID),
		).
		Commit()
	if err != nil {
		return pkgerrors.Wrapf(err, "etcd put session %s", sess.ID)
	}
	if !resp.Succeeded {
		return pkgerrors.Wrapf(ErrConflict, "put session %s: owner %s claimed concurrently", sess.ID, sess.OwnerID)
	}
	return nil
}

// Delete removes a session and its index keys in one transaction. The owner
// key is left alone if it has since been claimed by another session.
func (s *EtcdStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if pkgerrors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ownerKey := s.ownerKey(sess.OwnerID, sess.ContextID)
	sessionOps := []clientv3.Op{
		clientv3.OpDelete(s.contextKey(sess.ContextID, id)),
		clientv3.OpDelete(s.sessionKey(id)),
	}
	_, err = s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(ownerKey), "=", id)).
		Then(append([]clientv3.Op{clientv3.OpDelete(ownerKey)}, sessionOps...)...).
		Else(sessionOps...).
		Commit()
	if err != nil {
		return pkgerrors.Wrapf(err, "etcd delete session %s", id)
	}
	return nil
}

// FindByOwner returns the session for an (owner, context) pair.
func (s *EtcdStore) FindByOwner(ctx context.Context, ownerID, contextID string) (*Session, error) {
	resp, err := s.kv.Get(ctx, s.ownerKey(ownerID, contextID))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "etcd get owner %s", ownerID)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, string(resp.Kvs[0].Value))
}

// ListByContext returns all sessions of a context, oldest first.
func (s *EtcdStore) ListByContext(ctx context.Context, contextID string) ([]*Session, error) {
	resp, err := s.kv.Get(ctx, s.contextPrefix(contextID), clientv3.WithPrefix())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "etcd list context %s", contextID)
	}

	var result []*Session
	for _, kv := range resp.Kvs {
		sess, err := s.Get(ctx, string(kv.Value))
		if pkgerrors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	sortSessions(result)
	return result, nil
}

package lstore

import (
	"context"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/store"
)

type storeImpl[K, V any] struct {
	db     db.KVDB
	keys   interop.Codec[K]
	values interop.Codec[V]
}

// NewLocalStore creates a typed store on top of database. Keys and values are
// converted with the given codecs. The store takes ownership of database and
// closes it on Close.
func NewLocalStore[K, V any](database db.KVDB, keys interop.Codec[K], values interop.Codec[V]) store.IStore[K, V] {
	return &storeImpl[K, V]{
		db:     database,
		keys:   keys,
		values: values,
	}
}

// decode converts a stored value, a nil slice is the zero value
func (s *storeImpl[K, V]) decode(b []byte, found bool) (V, bool, error) {
	var zero V
	if !found {
		return zero, false, nil
	}
	v, err := s.values.Decode(b)
	if err != nil {
		return zero, false, store.WrapError(store.RetCEncodingError, "decode value", err)
	}
	return v, true, nil
}

func (s *storeImpl[K, V]) require(feature db.Feature, op string) error {
	if !s.db.SupportsFeature(feature) {
		return store.NewError(store.RetCUnsupportedOperation, op+" operation is not supported")
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	if err := s.require(db.FeatureGet, "Get"); err != nil {
		return zero, false, err
	}
	b, found, err := s.db.Get(ctx, interop.Encode(s.keys, key))
	if err != nil {
		return zero, false, store.WrapError(store.RetCInternalError, "get", err)
	}
	return s.decode(b, found)
}

func (s *storeImpl[K, V]) Put(ctx context.Context, key K, value V) (V, bool, error) {
	var zero V
	if err := s.require(db.FeaturePut, "Put"); err != nil {
		return zero, false, err
	}
	prev, replaced, err := s.db.Put(ctx, interop.Encode(s.keys, key), interop.Encode(s.values, value))
	if err != nil {
		return zero, false, store.WrapError(store.RetCInternalError, "put", err)
	}
	return s.decode(prev, replaced)
}

func (s *storeImpl[K, V]) Remove(ctx context.Context, key K) (V, bool, error) {
	var zero V
	if err := s.require(db.FeatureRemove, "Remove"); err != nil {
		return zero, false, err
	}
	prev, removed, err := s.db.Remove(ctx, interop.Encode(s.keys, key))
	if err != nil {
		return zero, false, store.WrapError(store.RetCInternalError, "remove", err)
	}
	return s.decode(prev, removed)
}

func (s *storeImpl[K, V]) AcquireForUpdate(ctx context.Context, key K) (store.Handle[K, V], error) {
	if err := s.require(db.FeatureAcquireForUpdate, "AcquireForUpdate"); err != nil {
		return nil, err
	}
	h, err := s.db.AcquireForUpdate(ctx, interop.Encode(s.keys, key))
	if err != nil {
		return nil, store.WrapError(store.RetCInternalError, "acquire", err)
	}
	return &handle[K, V]{store: s, h: h, key: key}, nil
}

func (s *storeImpl[K, V]) Acquire(ctx context.Context, key K, def V) (store.Handle[K, V], error) {
	h, err := s.AcquireForUpdate(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, present, err := h.Value(); err != nil || !present {
		if err == nil {
			err = h.Set(def)
		}
		if err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (s *storeImpl[K, V]) GetInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl[K, V]) Close() error {
	if err := s.db.Close(); err != nil {
		return store.WrapError(store.RetCInvalidOperation, "close", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

type handle[K, V any] struct {
	store *storeImpl[K, V]
	h     db.Handle
	key   K
}

func (h *handle[K, V]) Key() K {
	return h.key
}

func (h *handle[K, V]) Value() (V, bool, error) {
	b, present, err := h.h.Value()
	if err != nil {
		var zero V
		return zero, false, store.WrapError(store.RetCInternalError, "handle value", err)
	}
	return h.store.decode(b, present)
}

func (h *handle[K, V]) Meta() (db.Meta, bool) {
	return h.h.Meta()
}

func (h *handle[K, V]) Set(value V) error {
	if err := h.h.Set(interop.Encode(h.store.values, value)); err != nil {
		return store.WrapError(store.RetCInternalError, "handle set", err)
	}
	return nil
}

func (h *handle[K, V]) Remove() (bool, error) {
	removed, err := h.h.Remove()
	if err != nil {
		return false, store.WrapError(store.RetCInternalError, "handle remove", err)
	}
	return removed, nil
}

func (h *handle[K, V]) Context(parent context.Context) context.Context {
	return h.h.Context(parent)
}

func (h *handle[K, V]) Close() error {
	return h.h.Close()
}

package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Memory is an in-process Store for dev and tests. Documents are kept as
// JSON so callers never share mutable state with the store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) CreateOrReplace(_ context.Context, collection, id string, doc Doc) error {
	raw, err := json.Marshal(withID(doc, id))
	if err != nil {
		return errors.Wrap(err, "memory: marshal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string][]byte)
		m.data[collection] = coll
	}
	coll[id] = raw
	return nil
}

func (m *Memory) Read(_ context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	raw, ok := m.data[collection][id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshalDoc(raw)
}

func (m *Memory) QueryEqual(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	all, err := m.All(ctx, collection)
	if err != nil {
		return nil, err
	}
	want := normalize(value)
	out := make([]Doc, 0)
	for _, d := range all {
		if matches(d, field, want) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) UpdateFields(_ context.Context, collection, id string, partial Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	doc, err := unmarshalDoc(raw)
	if err != nil {
		return err
	}
	patch, err := Encode(partial)
	if err != nil {
		return err
	}
	for k, v := range patch {
		doc[k] = v
	}
	doc["id"] = id
	updated, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "memory: marshal")
	}
	m.data[collection][id] = updated
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.data[collection], id)
	return nil
}

func (m *Memory) All(_ context.Context, collection string) ([]Doc, error) {
	m.mu.RLock()
	raws := make([][]byte, 0, len(m.data[collection]))
	for _, raw := range m.data[collection] {
		raws = append(raws, raw)
	}
	m.mu.RUnlock()

	out := make([]Doc, 0, len(raws))
	for _, raw := range raws {
		d, err := unmarshalDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func unmarshalDoc(raw []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(err, "unmarshal document")
	}
	return d, nil
}

// withID returns a shallow copy of doc with its id field set.
func withID(doc Doc, id string) Doc {
	out := make(Doc, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

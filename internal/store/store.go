package store

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// Collections used by the engine.
const (
	Users      = "users"
	Sessions   = "sessions"
	Timetable  = "timetable"
	Attendance = "attendance"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Doc is a JSON-shaped document. Numbers are float64 after a round trip.
type Doc map[string]any

// Store is the document store the engine persists through. Implementations
// must be safe for concurrent use. UpdateFields merges top-level keys only.
type Store interface {
	CreateOrReplace(ctx context.Context, collection, id string, doc Doc) error
	Read(ctx context.Context, collection, id string) (Doc, error)
	QueryEqual(ctx context.Context, collection, field string, value any) ([]Doc, error)
	UpdateFields(ctx context.Context, collection, id string, partial Doc) error
	Delete(ctx context.Context, collection, id string) error
	All(ctx context.Context, collection string) ([]Doc, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend       string // memory | postgres | sqlite | mongo
	DatabaseURL   string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(ctx, opts.DatabaseURL)
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "mongo":
		return OpenMongo(ctx, opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, errors.Errorf("store: unknown backend %q", opts.Backend)
	}
}

// Encode converts v into a Doc through its JSON representation.
func Encode(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	return doc, nil
}

// Decode fills v from doc.
func Decode(doc Doc, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "decode document")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "decode document")
}

// DecodeAll decodes every doc into a new T.
func DecodeAll[T any](docs []Doc) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := Decode(d, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// normalize gives a query value the same shape stored values have after
// Encode, so int 5 compares equal to a stored 5.0.
func normalize(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}

func matches(doc Doc, field string, want any) bool {
	got, ok := doc[field]
	if !ok {
		return false
	}
	return reflect.DeepEqual(got, want)
}

func sortByID(docs []Doc) {
	sort.Slice(docs, func(i, j int) bool {
		a, _ := docs[i]["id"].(string)
		b, _ := docs[j]["id"].(string)
		return a < b
	})
}

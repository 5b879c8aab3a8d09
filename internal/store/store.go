// Package store provides keyed document collections with filter, find,
// upsert and delete operations. Two backends exist: an in-memory store used
// in tests and single-process runs, and a Redis-backed document store used
// in deployments. Relational backends are rejected at open time.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Collection names used by the controller.
const (
	CollNode        = "Node"
	CollRequest     = "Request"
	CollCalibration = "Calibration"
	CollPingPong    = "PingPong"
	CollBlob        = "Blob"
	CollMonitor     = "Monitor"
)

var (
	// ErrDuplicate is returned when an insert collides on the synthesized
	// primary key.
	ErrDuplicate = errors.New("store: duplicate document id")
	// ErrUnsupportedBackend is returned for non-document database URIs.
	ErrUnsupportedBackend = errors.New("store: unsupported database backend")
)

// Filter matches documents by equality on (possibly dotted) field paths.
type Filter map[string]any

// Options tune Find results.
type Options struct {
	Limit    int
	SortBy   string // dotted field path
	SortDesc bool
}

// Collection is a handle to one named document collection.
type Collection interface {
	Insert(doc map[string]any) error
	Get(filter Filter) (map[string]any, error)
	Find(filter Filter, opts *Options) ([]map[string]any, error)
	Update(filter Filter, key string, value any) (int, error)
	Upsert(filter Filter, doc map[string]any) error
	Delete(filter Filter) (int, error)
	Exist(filter Filter) (bool, error)
	Drop() error
}

// Store owns the collections of one database.
type Store interface {
	Collection(name string) Collection
	Close() error
}

// collectionSpec fixes the primary-key field and history mode per known
// collection. Monitor keeps every event, so its ids carry a timestamp.
type collectionSpec struct {
	idField string
	history bool
}

func specFor(name string) collectionSpec {
	switch name {
	case CollNode:
		return collectionSpec{idField: "systemSettings.ID"}
	case CollMonitor:
		return collectionSpec{idField: "id", history: true}
	default:
		return collectionSpec{idField: "id"}
	}
}

// synthesizeID fills the reserved _id field from the collection's id field,
// appending a timestamp in history mode. Documents without the id field get
// a fresh uuid.
func (s collectionSpec) synthesizeID(doc map[string]any) string {
	if v, ok := doc["_id"].(string); ok && v != "" {
		return v
	}
	id, _ := lookupField(doc, s.idField).(string)
	if id == "" {
		id = uuid.NewString()
	}
	if s.history {
		id = fmt.Sprintf("%s:%d", id, time.Now().UnixMicro())
	}
	doc["_id"] = id
	return id
}

// Open constructs a Store from a connection URI. Supported schemes are
// "mem" and "redis"; anything else is a startup error.
func Open(uri string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("store: parsing database uri: %w", err)
	}
	switch u.Scheme {
	case "mem":
		return NewMemory(), nil
	case "redis", "rediss":
		return OpenRedis(uri)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, u.Scheme)
	}
}

// lookupField resolves a dotted field path inside a nested document.
func lookupField(doc map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// matches reports whether doc satisfies every equality in the filter.
func matches(doc map[string]any, filter Filter) bool {
	for path, want := range filter {
		if !looseEqual(lookupField(doc, path), want) {
			return false
		}
	}
	return true
}

// looseEqual compares values the way JSON round-trips leave them: all
// numbers as float64, everything else by interface equality.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// sortAndLimit applies Options ordering to a result set in place.
func sortAndLimit(docs []map[string]any, opts *Options) []map[string]any {
	if opts == nil {
		return docs
	}
	if opts.SortBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			less := compareField(docs[i], docs[j], opts.SortBy)
			if opts.SortDesc {
				return !less
			}
			return less
		})
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs
}

func compareField(a, b map[string]any, path string) bool {
	av := lookupField(a, path)
	bv := lookupField(b, path)
	if af, ok := toFloat(av); ok {
		if bf, ok := toFloat(bv); ok {
			return af < bf
		}
	}
	as, _ := av.(string)
	bs, _ := bv.(string)
	return as < bs
}

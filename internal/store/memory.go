package store

import (
	"encoding/json"
	"sync"
)

// memoryStore keeps collections as id-keyed maps guarded by one mutex.
// Documents are deep-copied on the way in and out so callers never share
// mutable state with the store.
type memoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

// NewMemory returns an empty in-memory document store.
func NewMemory() Store {
	return &memoryStore{collections: make(map[string]map[string]map[string]any)}
}

func (s *memoryStore) Collection(name string) Collection {
	return &memoryCollection{store: s, name: name, spec: specFor(name)}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) bucket(name string) map[string]map[string]any {
	b, ok := s.collections[name]
	if !ok {
		b = make(map[string]map[string]any)
		s.collections[name] = b
	}
	return b
}

type memoryCollection struct {
	store *memoryStore
	name  string
	spec  collectionSpec
}

func cloneDoc(doc map[string]any) map[string]any {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (c *memoryCollection) Insert(doc map[string]any) error {
	copied := cloneDoc(doc)
	id := c.spec.synthesizeID(copied)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	bucket := c.store.bucket(c.name)
	if _, exists := bucket[id]; exists && !c.spec.history {
		return ErrDuplicate
	}
	bucket[id] = copied
	return nil
}

func (c *memoryCollection) Get(filter Filter) (map[string]any, error) {
	docs, err := c.Find(filter, &Options{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *memoryCollection) Find(filter Filter, opts *Options) ([]map[string]any, error) {
	c.store.mu.RLock()
	bucket := c.store.bucket(c.name)
	matched := make([]map[string]any, 0)
	for _, doc := range bucket {
		if matches(doc, filter) {
			matched = append(matched, cloneDoc(doc))
		}
	}
	c.store.mu.RUnlock()

	if opts == nil || opts.SortBy == "" {
		// Map iteration order is random; keep results stable by id.
		opts2 := Options{SortBy: "_id"}
		if opts != nil {
			opts2.Limit = opts.Limit
		}
		return sortAndLimit(matched, &opts2), nil
	}
	return sortAndLimit(matched, opts), nil
}

func (c *memoryCollection) Update(filter Filter, key string, value any) (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	bucket := c.store.bucket(c.name)
	count := 0
	for id, doc := range bucket {
		if matches(doc, filter) {
			updated := cloneDoc(doc)
			setField(updated, key, value)
			bucket[id] = updated
			count++
		}
	}
	return count, nil
}

func (c *memoryCollection) Upsert(filter Filter, doc map[string]any) error {
	copied := cloneDoc(doc)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	bucket := c.store.bucket(c.name)
	for id, existing := range bucket {
		if matches(existing, filter) {
			copied["_id"] = id
			bucket[id] = copied
			return nil
		}
	}
	id := c.spec.synthesizeID(copied)
	bucket[id] = copied
	return nil
}

func (c *memoryCollection) Delete(filter Filter) (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	bucket := c.store.bucket(c.name)
	count := 0
	for id, doc := range bucket {
		if matches(doc, filter) {
			delete(bucket, id)
			count++
		}
	}
	return count, nil
}

func (c *memoryCollection) Exist(filter Filter) (bool, error) {
	doc, err := c.Get(filter)
	return doc != nil, err
}

func (c *memoryCollection) Drop() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.collections, c.name)
	return nil
}

// setField writes a value at a dotted path, creating intermediate maps.
func setField(doc map[string]any, path string, value any) {
	parts := splitPath(path)
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

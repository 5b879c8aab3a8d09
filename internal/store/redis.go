package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each collection as one Redis hash keyed by the
// synthesized _id, with JSON-encoded documents as values. Filters are
// evaluated client-side; the working set of a testbed controller is small
// enough that full-collection scans are the simple, correct choice.
type redisStore struct {
	client *redis.Client
}

const redisKeyPrefix = "quantnet:"

// OpenRedis connects to the Redis instance named by the URI and verifies
// the connection with a ping.
func OpenRedis(uri string) (Store, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("store: parsing redis uri: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connecting to redis: %w", err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Collection(name string) Collection {
	return &redisCollection{
		client: s.client,
		key:    redisKeyPrefix + name,
		spec:   specFor(name),
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

type redisCollection struct {
	client *redis.Client
	key    string
	spec   collectionSpec
}

func (c *redisCollection) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (c *redisCollection) Insert(doc map[string]any) error {
	copied := cloneDoc(doc)
	id := c.spec.synthesizeID(copied)
	raw, err := json.Marshal(copied)
	if err != nil {
		return fmt.Errorf("store: encoding document: %w", err)
	}

	ctx, cancel := c.ctx()
	defer cancel()
	if !c.spec.history {
		created, err := c.client.HSetNX(ctx, c.key, id, raw).Result()
		if err != nil {
			return fmt.Errorf("store: inserting document: %w", err)
		}
		if !created {
			return ErrDuplicate
		}
		return nil
	}
	if err := c.client.HSet(ctx, c.key, id, raw).Err(); err != nil {
		return fmt.Errorf("store: inserting document: %w", err)
	}
	return nil
}

func (c *redisCollection) scan(filter Filter) ([]map[string]any, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	values, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: scanning collection: %w", err)
	}
	matched := make([]map[string]any, 0, len(values))
	for _, raw := range values {
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		if matches(doc, filter) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (c *redisCollection) Get(filter Filter) (map[string]any, error) {
	docs, err := c.Find(filter, &Options{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *redisCollection) Find(filter Filter, opts *Options) ([]map[string]any, error) {
	matched, err := c.scan(filter)
	if err != nil {
		return nil, err
	}
	if opts == nil || opts.SortBy == "" {
		opts2 := Options{SortBy: "_id"}
		if opts != nil {
			opts2.Limit = opts.Limit
		}
		return sortAndLimit(matched, &opts2), nil
	}
	return sortAndLimit(matched, opts), nil
}

func (c *redisCollection) Update(filter Filter, key string, value any) (int, error) {
	matched, err := c.scan(filter)
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.ctx()
	defer cancel()
	count := 0
	for _, doc := range matched {
		setField(doc, key, value)
		id, _ := doc["_id"].(string)
		if id == "" {
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		if err := c.client.HSet(ctx, c.key, id, raw).Err(); err != nil {
			return count, fmt.Errorf("store: updating document: %w", err)
		}
		count++
	}
	return count, nil
}

func (c *redisCollection) Upsert(filter Filter, doc map[string]any) error {
	matched, err := c.scan(filter)
	if err != nil {
		return err
	}
	copied := cloneDoc(doc)
	if len(matched) > 0 {
		copied["_id"] = matched[0]["_id"]
	} else {
		c.spec.synthesizeID(copied)
	}
	id, _ := copied["_id"].(string)
	raw, err := json.Marshal(copied)
	if err != nil {
		return fmt.Errorf("store: encoding document: %w", err)
	}
	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.client.HSet(ctx, c.key, id, raw).Err(); err != nil {
		return fmt.Errorf("store: upserting document: %w", err)
	}
	return nil
}

func (c *redisCollection) Delete(filter Filter) (int, error) {
	matched, err := c.scan(filter)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, nil
	}
	fields := make([]string, 0, len(matched))
	for _, doc := range matched {
		if id, ok := doc["_id"].(string); ok {
			fields = append(fields, id)
		}
	}
	ctx, cancel := c.ctx()
	defer cancel()
	removed, err := c.client.HDel(ctx, c.key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("store: deleting documents: %w", err)
	}
	return int(removed), nil
}

func (c *redisCollection) Exist(filter Filter) (bool, error) {
	doc, err := c.Get(filter)
	return doc != nil, err
}

func (c *redisCollection) Drop() error {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.client.Del(ctx, c.key).Err()
}

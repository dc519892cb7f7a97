package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Store persists transcript items so a restarted process can show history.
// Save is an upsert keyed by item ID; the first Seq seen for an ID fixes its
// position.
type Store interface {
	Load(ctx context.Context) ([]Item, error)
	Save(ctx context.Context, item Item) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps items in process. Mostly useful in tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (s *MemoryStore) Load(context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sortBySeq(out)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[item.ID]; ok {
		item.Seq = prev.Seq
	}
	s.items[item.ID] = item
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Item)
	return nil
}

func sortBySeq(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}

type RedisConfig struct {
	Addr           string        `json:"addr" yaml:"addr"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty"`
	DB             int           `json:"db,omitempty" yaml:"db,omitempty"`
	ConversationID string        `json:"conversation_id" yaml:"conversation_id"`
	TTL            time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		ConversationID: "default",
		TTL:            24 * time.Hour,
	}
}

// RedisStore keeps item bodies in a hash and their order in a sorted set
// scored by Seq.
type RedisStore struct {
	client   *redis.Client
	orderKey string
	itemsKey string
	ttl      time.Duration
}

// NewRedisStore connects and pings. Callers fall back to memory when it fails.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", cfg.Addr, err)
	}

	id := cfg.ConversationID
	if id == "" {
		id = DefaultRedisConfig().ConversationID
	}
	return &RedisStore{
		client:   client,
		orderKey: "livetranslate:conversation:" + id + ":order",
		itemsKey: "livetranslate:conversation:" + id + ":items",
		ttl:      cfg.TTL,
	}, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]Item, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: load order: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, s.itemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: load items: %w", err)
	}

	items := make([]Item, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var it Item
		if err := sonic.UnmarshalString(str, &it); err != nil {
			return nil, fmt.Errorf("redis store: decode item %s: %w", ids[i], err)
		}
		items = append(items, it)
	}
	sortBySeq(items)
	return items, nil
}

func (s *RedisStore) Save(ctx context.Context, item Item) error {
	data, err := sonic.MarshalString(item)
	if err != nil {
		return fmt.Errorf("redis store: encode item %s: %w", item.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, s.orderKey, redis.Z{Score: float64(item.Seq), Member: item.ID})
		pipe.HSet(ctx, s.itemsKey, item.ID, data)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.orderKey, s.ttl)
			pipe.Expire(ctx, s.itemsKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: save item %s: %w", item.ID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.orderKey, s.itemsKey).Err(); err != nil {
		return fmt.Errorf("redis store: clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

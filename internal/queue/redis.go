package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis hash of records plus a sorted set that
// keeps submission order.
type Redis struct {
	client  *redis.Client
	records string
	order   string
	seq     string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisWithClient(client, prefix), nil
}

// NewRedisWithClient uses an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "shoresquad:pending-cleanups"
	}
	return &Redis{
		client:  client,
		records: prefix + ":records",
		order:   prefix + ":order",
		seq:     prefix + ":seq",
	}
}

func (r *Redis) Append(ctx context.Context, sub Submission) (Submission, error) {
	sub, err := prepare(sub)
	if err != nil {
		return Submission{}, err
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return Submission{}, err
	}

	added, err := r.client.HSetNX(ctx, r.records, sub.ID, b).Result()
	if err != nil {
		return Submission{}, err
	}
	if !added {
		return Submission{}, fmt.Errorf("%w: %s", ErrDuplicateID, sub.ID)
	}
	n, err := r.client.Incr(ctx, r.seq).Result()
	if err == nil {
		err = r.client.ZAddNX(ctx, r.order, redis.Z{Score: float64(n), Member: sub.ID}).Err()
	}
	if err != nil {
		// Roll back the record so the id is not left half written.
		_ = r.client.HDel(context.WithoutCancel(ctx), r.records, sub.ID).Err()
		return Submission{}, err
	}
	return sub, nil
}

func (r *Redis) List(ctx context.Context) ([]Submission, error) {
	ids, err := r.client.ZRange(ctx, r.order, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, r.records, ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Submission, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Ordered but no record: removed between the two reads.
			continue
		}
		var sub Submission
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			return nil, fmt.Errorf("queue: decode %q: %w", ids[i], err)
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.records).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return int(n), nil
}

func (r *Redis) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.records, ids...)
		p.ZRem(ctx, r.order, members...)
		return nil
	})
	return err
}

func (r *Redis) Clear(ctx context.Context) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.records, r.order)
		return nil
	})
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}

package broker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ScoredMember pairs a sorted-set member with its score.
type ScoredMember struct {
	Member []byte
	Score  float64
}

// QueuePush adds member under key with the given score. Pushing an
// identical member is idempotent; the score is updated in place.
func (c *Client) QueuePush(ctx context.Context, key string, member []byte, score float64) error {
	return c.do(ctx, "queue push", func(ctx context.Context) error {
		return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// QueuePopMin atomically removes and returns the lowest-score member of
// key. An empty queue returns (nil, nil).
func (c *Client) QueuePopMin(ctx context.Context, key string) (*ScoredMember, error) {
	var out *ScoredMember
	err := c.do(ctx, "queue pop", func(ctx context.Context) error {
		res, err := c.rdb.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return nil
		}
		member, ok := res[0].Member.(string)
		if !ok {
			return errors.New("broker: unexpected sorted-set member type")
		}
		out = &ScoredMember{Member: []byte(member), Score: res[0].Score}
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return out, err
}

// QueueRange returns up to limit members of key in score order without
// removing them. limit <= 0 means all.
func (c *Client) QueueRange(ctx context.Context, key string, limit int64) ([][]byte, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	var out [][]byte
	err := c.do(ctx, "queue range", func(ctx context.Context) error {
		res, err := c.rdb.ZRange(ctx, key, 0, stop).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, m := range res {
			out = append(out, []byte(m))
		}
		return nil
	})
	return out, err
}

// QueueLen returns the number of pending members under key.
func (c *Client) QueueLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "queue len", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

// HashSet writes field under key; the in-flight tracking surface.
func (c *Client) HashSet(ctx context.Context, key, field string, value []byte) error {
	return c.do(ctx, "hash set", func(ctx context.Context) error {
		return c.rdb.HSet(ctx, key, field, value).Err()
	})
}

// HashGet reads one field of key. A missing field returns (nil, nil).
func (c *Client) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	var val []byte
	err := c.do(ctx, "hash get", func(ctx context.Context) error {
		res, err := c.rdb.HGet(ctx, key, field).Bytes()
		if err != nil {
			return err
		}
		val = res
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// HashDel removes fields from key and reports how many existed.
func (c *Client) HashDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "hash del", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.HDel(ctx, key, fields...).Result()
		return err
	})
	return n, err
}

// HashGetAll returns every field of key.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	var out map[string][]byte
	err := c.do(ctx, "hash get all", func(ctx context.Context) error {
		res, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = make(map[string][]byte, len(res))
		for k, v := range res {
			out[k] = []byte(v)
		}
		return nil
	})
	return out, err
}

// HashLen returns the field count of key.
func (c *Client) HashLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "hash len", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.HLen(ctx, key).Result()
		return err
	})
	return n, err
}

// ListPushLeft prepends value to the list at key; the dead-letter surface.
func (c *Client) ListPushLeft(ctx context.Context, key string, value []byte) error {
	return c.do(ctx, "list push", func(ctx context.Context) error {
		return c.rdb.LPush(ctx, key, value).Err()
	})
}

// ListRange returns the whole list at key.
func (c *Client) ListRange(ctx context.Context, key string) ([][]byte, error) {
	var out [][]byte
	err := c.do(ctx, "list range", func(ctx context.Context) error {
		res, err := c.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, v := range res {
			out = append(out, []byte(v))
		}
		return nil
	})
	return out, err
}

// ListLen returns the length of the list at key.
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "list len", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

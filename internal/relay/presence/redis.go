package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps socket sets in Redis so several relay instances agree on who is
// online. Keys:
//   - <prefix>:conn:<user>  set of socket ids, expiring after ttl
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "chat"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) connKey(userID string) string { return fmt.Sprintf("%s:conn:%s", r.prefix, userID) }

func (r *Redis) Connect(ctx context.Context, userID, socketID string) (bool, error) {
	key := r.connKey(userID)
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, socketID)
		p.Expire(ctx, key, r.ttl)
		card = p.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return card.Val() == 1, nil
}

func (r *Redis) Disconnect(ctx context.Context, userID, socketID string) (bool, error) {
	key := r.connKey(userID)
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, key, socketID)
		card = p.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return card.Val() == 0, nil
}

func (r *Redis) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	cmds := make([]*redis.IntCmd, len(userIDs))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = p.SCard(ctx, r.connKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(userIDs))
	for i, id := range userIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

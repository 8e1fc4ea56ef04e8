/*
Package store implements the presence record store on top of Redis.
*/
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/presence"
)

// DefaultPrefix namespaces presence keys.
const DefaultPrefix = "presence"

/*
Redis stores one JSON encoded [presence.Record] per identity under
"<prefix>:<identity>".  A plain SET is an atomic create-or-replace, so the last
join of an identity always wins.
*/
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

/*
Connect parses the redis:// URL, pings the server and returns the store.
*/
func Connect(ctx context.Context, url, prefix string, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return NewRedis(client, prefix), nil
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) key(identity string) string {
	return r.prefix + ":" + identity
}

func (r *Redis) Upsert(ctx context.Context, identity, room string) (presence.Record, error) {
	rec := presence.Record{Identity: identity, Room: room, UpdatedAt: r.now().UTC()}

	raw, err := json.Marshal(rec)
	if err != nil {
		return presence.Record{}, err
	}
	if err := r.client.Set(ctx, r.key(identity), raw, 0).Err(); err != nil {
		return presence.Record{}, err
	}
	return rec, nil
}

func (r *Redis) Find(ctx context.Context, identity string) (presence.Record, error) {
	raw, err := r.client.Get(ctx, r.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return presence.Record{}, presence.ErrNotFound
	}
	if err != nil {
		return presence.Record{}, err
	}

	var rec presence.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return presence.Record{}, fmt.Errorf("decode presence record %q: %w", identity, err)
	}
	return rec, nil
}

// Delete removes the record.  Deleting a missing key is not an error.
func (r *Redis) Delete(ctx context.Context, identity string) error {
	return r.client.Del(ctx, r.key(identity)).Err()
}

/*
DeleteIf removes the record of rec's identity if it is still rec.  The key is
watched between the read and the delete: a concurrent write aborts the
transaction with [redis.TxFailedErr] and the caller may retry.
*/
func (r *Redis) DeleteIf(ctx context.Context, rec presence.Record) (bool, error) {
	key := r.key(rec.Identity)

	var deleted bool
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var cur presence.Record
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode presence record %q: %w", rec.Identity, err)
		}
		if !cur.Same(rec) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}, key)
	return deleted, err
}

func (r *Redis) Close() error {
	return r.client.Close()
}

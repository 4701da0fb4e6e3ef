package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/session"
	"rollcall/pkg/platform/sentinel"
)

const (
	// Redis key prefixes. Sessions live under their code; the owner index
	// backs the duplicate-session guard.
	sessionKeyPrefix = "rc:session:"
	ownerKeyPrefix   = "rc:owner:"
)

// RedisStore persists sessions as JSON values with a retention TTL. This is
// the production-recommended implementation for distributed deployments where
// multiple instances need to share session state.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedis constructs a Redis-backed session store. Retention bounds how long
// expired sessions stay readable for report replay before Redis drops them.
func NewRedis(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Save(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.Code, err)
	}
	// SETNX makes the session key the code reservation: the first creator
	// drawing a code wins and a colliding creator draws again.
	stored, err := s.client.SetNX(ctx, sessionKeyPrefix+sess.Code, payload, s.retention).Result()
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Code, err)
	}
	if !stored {
		return fmt.Errorf("session code %s taken: %w", sess.Code, sentinel.ErrConflict)
	}
	if sess.Status == session.StatusActive {
		if err := s.client.Set(ctx, ownerKey(sess.OwnerID, sess.Scope, sess.Day), sess.Code, s.retention).Err(); err != nil {
			return fmt.Errorf("save owner index for %s: %w", sess.Code, err)
		}
	}
	return nil
}

func (s *RedisStore) FindByCode(ctx context.Context, code string) (*session.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s: %w", code, err)
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", code, err)
	}
	return &sess, nil
}

func (s *RedisStore) FindActiveByOwnerDay(ctx context.Context, ownerID, scope, day string) (*session.Session, error) {
	code, err := s.client.Get(ctx, ownerKey(ownerID, scope, day)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find owner index: %w", err)
	}
	sess, err := s.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, sentinel.ErrNotFound
	}
	return sess, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, code string, from, to session.Status) error {
	key := sessionKeyPrefix + code
	// Watch gives compare-and-set semantics so exactly one caller performs
	// each transition even across instances.
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return err
		}
		if sess.Status != from {
			return sentinel.ErrInvalidState
		}
		sess.Status = to
		payload, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.retention)
			if to != session.StatusActive {
				pipe.Del(ctx, ownerKey(sess.OwnerID, sess.Scope, sess.Day))
			}
			return nil
		})
		return err
	}
	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer moved the status first.
		return sentinel.ErrInvalidState
	}
	return err
}

func (s *RedisStore) FindOverdueActive(ctx context.Context, now time.Time) ([]string, error) {
	var codes []string
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return codes, fmt.Errorf("overdue scan read: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.Status == session.StatusActive && !now.Before(sess.ExpiresAt) {
			codes = append(codes, sess.Code)
		}
	}
	if err := iter.Err(); err != nil {
		return codes, fmt.Errorf("overdue scan: %w", err)
	}
	return codes, nil
}

func (s *RedisStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// Redis expires session keys via retention TTL on its own; the sweep only
	// removes sessions that finished their lifecycle well before the cutoff.
	var removed int
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sweep read: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.Status != session.StatusActive && sess.ExpiresAt.Before(cutoff) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return removed, fmt.Errorf("sweep delete: %w", err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("sweep scan: %w", err)
	}
	return removed, nil
}

func ownerKey(ownerID, scope, day string) string {
	return ownerKeyPrefix + ownerID + ":" + scope + ":" + day
}

// Package redis implements internal/budget.Store on top of Redis, for
// deployments that want a shared reservation ledger without running
// Postgres — spec.md §4.5 leaves the persistent store's backing technology
// open, and go.mod carries github.com/redis/go-redis/v9 as a real
// dependency the rest of this module has no other home for.
//
// Grounded on internal/store/postgres's method shapes (same
// internal/budget.Store surface, same wrapped-error convention) and on
// go-redis/v9's documented Lua-scripting idiom for atomic check-and-set
// state transitions, since Redis has no row-level UPDATE ... WHERE status
// to lean on the way Postgres does.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

const keyPrefix = "llmgw:resv:"

// settleScript atomically transitions a reservation from pending to
// settled, returning 1 on success, 0 if the reservation was already
// resolved, or -1 if it never existed, so the caller can distinguish
// "already done" from "does not exist".
var settleScript = redis.NewScript(`
local key = KEYS[1]
local newStatus = ARGV[1]
local settledAmt = ARGV[2]
if redis.call("EXISTS", key) == 0 then
	return -1
end
local status = redis.call("HGET", key, "status")
if status ~= "pending" then
	return 0
end
redis.call("HSET", key, "status", newStatus, "settled_amt", settledAmt)
return 1
`)

// Store is a Redis-backed budget.Store. Reservations never expire on
// their own; internal/budget.Store.Reap is responsible for cleaning up
// ones orphaned by a crash mid-attempt.
type Store struct {
	client *redis.Client
}

// New connects to addr and pings it.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func reservationKey(id string) string {
	return keyPrefix + id
}

// Reserve implements internal/budget.Store.
func (s *Store) Reserve(ctx context.Context, scope gatewaytypes.Scope, kind gatewaytypes.ReservationKind, amount int64) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	err := s.client.HSet(ctx, reservationKey(id), map[string]interface{}{
		"scope":      string(scope),
		"kind":       string(kind),
		"amount":     amount,
		"status":     "pending",
		"created_at": now.Unix(),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("reserve scope %q: %w", scope, err)
	}
	return id, nil
}

// Settle implements internal/budget.Store. Idempotent by reservationID.
func (s *Store) Settle(ctx context.Context, reservationID string, actual int64) error {
	res, err := settleScript.Run(ctx, s.client, []string{reservationKey(reservationID)}, "settled", actual).Int64()
	if err != nil {
		return fmt.Errorf("settle reservation %q: %w", reservationID, err)
	}
	if res < 0 {
		return fmt.Errorf("reservation %q not found", reservationID)
	}
	return nil
}

// Refund implements internal/budget.Store. Idempotent by reservationID.
func (s *Store) Refund(ctx context.Context, reservationID string) error {
	res, err := settleScript.Run(ctx, s.client, []string{reservationKey(reservationID)}, "refunded", 0).Int64()
	if err != nil {
		return fmt.Errorf("refund reservation %q: %w", reservationID, err)
	}
	if res < 0 {
		return fmt.Errorf("reservation %q not found", reservationID)
	}
	return nil
}

// Reap implements internal/budget.Store: it scans every reservation key,
// refunding whichever are still pending and older than olderThan.
//
// Uses SCAN rather than KEYS so a large reservation set doesn't block the
// server for the duration of the reap pass.
func (s *Store) Reap(ctx context.Context, olderThan time.Time) (int, error) {
	threshold := olderThan.Unix()
	n := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HMGet(ctx, key, "status", "created_at").Result()
		if err != nil {
			return n, fmt.Errorf("reap: read %q: %w", key, err)
		}
		status, _ := vals[0].(string)
		if status != "pending" {
			continue
		}
		createdAtStr, _ := vals[1].(string)
		createdAt, err := strconv.ParseInt(createdAtStr, 10, 64)
		if err != nil {
			continue
		}
		if createdAt >= threshold {
			continue
		}
		res, err := settleScript.Run(ctx, s.client, []string{key}, "refunded", 0).Int64()
		if err != nil {
			return n, fmt.Errorf("reap: refund %q: %w", key, err)
		}
		if res == 1 {
			n++
		}
	}
	if err := iter.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return n, fmt.Errorf("reap: scan: %w", err)
	}
	return n, nil
}

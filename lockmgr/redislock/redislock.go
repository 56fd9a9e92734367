// Package redislock is an alternative lockmgr.Store for clusters that
// already run Redis for other coordination, instead of (or alongside)
// storepg. Each operation is a single Lua script run with redis.Script.Run,
// the same atomic-script-over-go-redis style the pack's own Redis lock
// material uses, so acquire/renew/release never race against a concurrent
// caller touching the same key.
package redislock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"oss.nandlabs.io/outboxd/lockmgr"
)

// Store is a lockmgr.Store backed by Redis. The fencing token is a
// dedicated counter key that only ever increases, independent of the
// owner key's TTL, so a token handed out before a lease expired remains
// strictly less than any token handed out after, the same guarantee
// storepg's BIGINT version column gives.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps client as a lockmgr.Store. prefix namespaces every key this
// Store touches (e.g. "outboxd:lock:"), so more than one dispatcher can
// share a Redis instance.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) ownerKey(key string) string   { return s.prefix + key + ":owner" }
func (s *Store) versionKey(key string) string { return s.prefix + key + ":version" }

var acquireScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner == false or owner == ARGV[1] then
	local version = redis.call('INCR', KEYS[2])
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return version
end
return -1
`)

// Acquire implements lockmgr.Store.
func (s *Store) Acquire(ctx context.Context, key string, ownerID string, expires time.Time) (lockmgr.Lock, bool, error) {
	ttlMillis := ttlMillisUntil(expires)
	res, err := acquireScript.Run(ctx, s.client, []string{s.ownerKey(key), s.versionKey(key)}, ownerID, ttlMillis).Result()
	if err != nil {
		return lockmgr.Lock{}, false, fmt.Errorf("redislock: acquire: %w", err)
	}
	version, ok := scriptVersion(res)
	if !ok {
		return lockmgr.Lock{}, false, nil
	}
	return lockmgr.Lock{Key: key, OwnerID: ownerID, Version: strconv.FormatInt(version, 10), Expires: expires}, true, nil
}

var renewScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
local ver = redis.call('GET', KEYS[2])
if owner == ARGV[1] and ver == ARGV[2] then
	local newver = redis.call('INCR', KEYS[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return newver
end
return -1
`)

// Renew implements lockmgr.Store.
func (s *Store) Renew(ctx context.Context, key string, ownerID string, version string, expires time.Time) (string, error) {
	ttlMillis := ttlMillisUntil(expires)
	res, err := renewScript.Run(ctx, s.client, []string{s.ownerKey(key), s.versionKey(key)}, ownerID, version, ttlMillis).Result()
	if err != nil {
		return "", fmt.Errorf("redislock: renew: %w", err)
	}
	newVersion, ok := scriptVersion(res)
	if !ok {
		return "", lockmgr.ErrNotHeld
	}
	return strconv.FormatInt(newVersion, 10), nil
}

var releaseScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
local ver = redis.call('GET', KEYS[2])
if owner == ARGV[1] and ver == ARGV[2] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// Release implements lockmgr.Store. The version counter key is left in
// place (not DEL'd) so a later Acquire on the same key continues from a
// fencing token strictly greater than any issued before this release.
func (s *Store) Release(ctx context.Context, key string, ownerID string, version string) error {
	res, err := releaseScript.Run(ctx, s.client, []string{s.ownerKey(key), s.versionKey(key)}, ownerID, version).Result()
	if err != nil {
		return fmt.Errorf("redislock: release: %w", err)
	}
	released, ok := scriptVersion(res)
	if !ok || released == 0 {
		return lockmgr.ErrNotHeld
	}
	return nil
}

func ttlMillisUntil(expires time.Time) int64 {
	d := time.Until(expires)
	if d <= 0 {
		return 1
	}
	return d.Milliseconds()
}

func scriptVersion(res any) (int64, bool) {
	n, ok := res.(int64)
	if !ok || n < 0 {
		return 0, false
	}
	return n, true
}

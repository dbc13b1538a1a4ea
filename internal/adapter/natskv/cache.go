// Package natskv implements the cache port and the TaskStore on NATS JetStream
// KeyValue buckets.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// validKey matches the key alphabet JetStream KV accepts.
var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// encodedPrefix marks keys that had to be encoded. Verbatim keys that happen
// to start with it are encoded too, so the two never collide.
const encodedPrefix = "b64."

// headerLen is the size of the expiry deadline stored in front of every value.
const headerLen = 8

// Cache is the L2 cache shared by every Conductor instance: health-probe
// observations and idempotent submission replays. Keys outside the KV
// alphabet (e.g. "conductor:health:legal-a") are stored base64url-encoded. The
// bucket's max age bounds every entry; a shorter per-entry ttl is enforced on
// read.
type Cache struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// Get returns the value for key. Entries past their deadline are misses.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw := entry.Value()
	if len(raw) < headerLen {
		return nil, false, nil
	}
	if deadline := int64(binary.BigEndian.Uint64(raw[:headerLen])); deadline > 0 && c.now().UnixNano() >= deadline {
		return nil, false, nil
	}
	return raw[headerLen:], true, nil
}

// Set stores value under key. ttl <= 0 leaves expiry to the bucket.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, headerLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:headerLen], uint64(c.now().Add(ttl).UnixNano()))
	}
	copy(buf[headerLen:], value)
	_, err := c.kv.Put(ctx, kvKey(key), buf)
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func kvKey(key string) string {
	if validKey.MatchString(key) &&
		!strings.HasPrefix(key, encodedPrefix) &&
		!strings.HasPrefix(key, ".") && !strings.HasSuffix(key, ".") &&
		!strings.Contains(key, "..") {
		return key
	}
	return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

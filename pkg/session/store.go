package session

import (
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/librescoot/gt06-gateway/pkg/redis"
)

// Store is the external persistence boundary the registry degrades to
// (§7 RegistryUnavailable: "reads return empty, writes log and continue").
// A production Store is Redis-backed; tests use an in-memory fake that
// implements the same interface.
type Store interface {
	// SaveSession writes the "session:<uuid>" record with the given TTL.
	SaveSession(s DeviceSession, ttl time.Duration) error
	// LoadSession reads a session by id. ok is false if absent.
	LoadSession(id string) (DeviceSession, bool, error)
	// DeleteSession removes the "session:<uuid>" key.
	DeleteSession(id string) error

	// SaveIMEIIndex writes "imei-index:<imei>" -> id with the given TTL.
	SaveIMEIIndex(imei, id string, ttl time.Duration) error
	// LoadIMEIIndex reads the session id for an IMEI. ok is false if absent.
	LoadIMEIIndex(imei string) (string, bool, error)
	// DeleteIMEIIndex removes the "imei-index:<imei>" key.
	DeleteIMEIIndex(imei string) error
}

const (
	sessionKeyPrefix = "session:"
	imeiKeyPrefix    = "imei-index:"
)

// RedisStore implements Store on top of the gateway's shared Redis client,
// the way the teacher's Service persists every other piece of device state
// through one client (§6.2's external key-value store).
type RedisStore struct {
	client *redisclient.Client
}

// NewRedisStore wraps an existing Redis client for session persistence.
func NewRedisStore(client *redisclient.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) SaveSession(s DeviceSession, ttl time.Duration) error {
	data, err := json.Marshal(toRecord(s))
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	return r.client.Set(sessionKeyPrefix+s.ID, string(data), ttl)
}

func (r *RedisStore) LoadSession(id string) (DeviceSession, bool, error) {
	raw, err := r.client.Get(sessionKeyPrefix + id)
	if err == redisclient.ErrNotFound {
		return DeviceSession{}, false, nil
	}
	if err != nil {
		return DeviceSession{}, false, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return DeviceSession{}, false, fmt.Errorf("session: unmarshal: %w", err)
	}
	return fromRecord(rec), true, nil
}

func (r *RedisStore) DeleteSession(id string) error {
	return r.client.Del(sessionKeyPrefix + id)
}

func (r *RedisStore) SaveIMEIIndex(imei, id string, ttl time.Duration) error {
	return r.client.Set(imeiKeyPrefix+imei, id, ttl)
}

func (r *RedisStore) LoadIMEIIndex(imei string) (string, bool, error) {
	id, err := r.client.Get(imeiKeyPrefix + imei)
	if err == redisclient.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (r *RedisStore) DeleteIMEIIndex(imei string) error {
	return r.client.Del(imeiKeyPrefix + imei)
}

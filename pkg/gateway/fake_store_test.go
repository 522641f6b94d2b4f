package gateway

import (
	"sync"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/session"
)

// fakeStore is an in-memory session.Store, the same substitution pattern
// the session package's own tests use (§7 RegistryUnavailable degrades to a
// Store implementation tests can swap in for Redis).
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]session.DeviceSession
	imeiIndex map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]session.DeviceSession),
		imeiIndex: make(map[string]string),
	}
}

func (f *fakeStore) SaveSession(s session.DeviceSession, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) LoadSession(id string) (session.DeviceSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok, nil
}

func (f *fakeStore) DeleteSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) SaveIMEIIndex(imei, id string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imeiIndex[imei] = id
	return nil
}

func (f *fakeStore) LoadIMEIIndex(imei string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.imeiIndex[imei]
	return id, ok, nil
}

func (f *fakeStore) DeleteIMEIIndex(imei string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.imeiIndex, imei)
	return nil
}

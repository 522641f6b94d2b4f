package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout and DefaultCleanupInterval are the §6.4 configuration
// defaults.
const (
	DefaultIdleTimeout     = 600 * time.Second
	DefaultCleanupInterval = 60 * time.Second
)

// Registry is the process-wide, concurrent map described in §4.4: three
// indices (by_id, by_imei, by_connection) over a single DeviceSession per
// IMEI. by_id and by_imei are mirrored to an external Store with TTL;
// by_connection is process-local only, matching §4.4's storage rules.
//
// The recommended discipline from §5 is a per-IMEI critical section around
// mutations; this implementation uses one mutex guarding all three indices,
// which is simpler and still linearizable — the registry's operations are
// all short, non-blocking except for the Store call, which is the only
// suspension point (§5 "registry reads/writes that hit the external
// key-value store").
type Registry struct {
	mu sync.Mutex

	byID         map[string]*DeviceSession
	byIMEI       map[string]string // imei -> id
	byConnection map[string]string // connection short-id -> id

	store       Store
	idleTimeout time.Duration
	logger      *log.Logger
}

// NewRegistry constructs a Registry backed by store, with the given idle
// timeout used both as the TTL handed to Store and as the threshold
// FindIdle uses.
func NewRegistry(store Store, idleTimeout time.Duration, logger *log.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		byID:         make(map[string]*DeviceSession),
		byIMEI:       make(map[string]string),
		byConnection: make(map[string]string),
		store:        store,
		idleTimeout:  idleTimeout,
		logger:       logger,
	}
}

func (r *Registry) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// CreateOrRebind implements §4.4's create_or_rebind: if a session exists
// for imei, it is atomically rebound to the new connection and address;
// otherwise a fresh session is created with a new UUID and persisted.
func (r *Registry) CreateOrRebind(imei, connectionID, remoteAddr string, now time.Time) (*DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byIMEI[imei]; ok {
		if sess, ok := r.byID[id]; ok {
			if sess.ConnectionID != "" && sess.ConnectionID != connectionID {
				delete(r.byConnection, sess.ConnectionID)
			}
			sess.ConnectionID = connectionID
			sess.RemoteAddr = remoteAddr
			sess.LastActivityAt = now
			r.byConnection[connectionID] = sess.ID
			r.persistLocked(sess)
			return sess, nil
		}
	}

	id := uuid.NewString()
	sess := &DeviceSession{
		ID:             id,
		IMEI:           imei,
		ConnectionID:   connectionID,
		RemoteAddr:     remoteAddr,
		CreatedAt:      now,
		LastActivityAt: now,
		Attributes:     map[string]string{},
	}

	r.byID[id] = sess
	r.byIMEI[imei] = id
	r.byConnection[connectionID] = id

	if err := r.store.SaveSession(*sess, r.idleTimeout); err != nil {
		r.logf("session registry: degrade: save session %s failed: %v", id, err)
	}
	if err := r.store.SaveIMEIIndex(imei, id, r.idleTimeout); err != nil {
		r.logf("session registry: degrade: save imei index %s failed: %v", imei, err)
	}

	return sess, nil
}

// persistLocked refreshes the external copy of sess. Must be called with
// r.mu held. Failures degrade per §7 RegistryUnavailable: logged, the
// in-memory session remains authoritative until TTL or store recovery.
func (r *Registry) persistLocked(sess *DeviceSession) {
	if err := r.store.SaveSession(*sess, r.idleTimeout); err != nil {
		r.logf("session registry: degrade: save session %s failed: %v", sess.ID, err)
	}
	if err := r.store.SaveIMEIIndex(sess.IMEI, sess.ID, r.idleTimeout); err != nil {
		r.logf("session registry: degrade: save imei index %s failed: %v", sess.IMEI, err)
	}
}

// Save writes the record and refreshes TTL, per §4.4's save(session).
func (r *Registry) Save(sess *DeviceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[sess.ID] = sess
	r.byIMEI[sess.IMEI] = sess.ID
	r.persistLocked(sess)
	return nil
}

// GetByConnection implements §4.4's get_by_connection.
func (r *Registry) GetByConnection(connectionID string) (*DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConnection[connectionID]
	if !ok {
		return nil, false
	}
	sess, ok := r.byID[id]
	return sess, ok
}

// GetByIMEI implements §4.4's get_by_imei.
func (r *Registry) GetByIMEI(imei string) (*DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIMEI[imei]
	if !ok {
		return nil, false
	}
	sess, ok := r.byID[id]
	return sess, ok
}

// GetByID implements §4.4's get_by_id.
func (r *Registry) GetByID(id string) (*DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[id]
	return sess, ok
}

// RemoveByConnection implements §4.4's remove_by_connection as a detach: it
// removes only the by_connection entry for connectionID and clears the
// session's ConnectionID. The by_id and by_imei indices and the external
// Store record stay in place until the TTL sweeper evicts the session (§5
// "Resource cleanup").
func (r *Registry) RemoveByConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConnection[connectionID]
	if !ok {
		return
	}
	delete(r.byConnection, connectionID)

	sess, ok := r.byID[id]
	if !ok {
		return
	}
	// Only detach the connection binding; leave by_id/by_imei populated so
	// concurrent readers (and a same-IMEI reconnect) still see the record
	// until the TTL sweeper or an explicit removal retires it.
	sess.ConnectionID = ""
}

// FindIdle implements §4.4's find_idle: sessions whose LastActivityAt is
// older than maxIdle as of now.
func (r *Registry) FindIdle(maxIdle time.Duration, now time.Time) []*DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []*DeviceSession
	for _, sess := range r.byID {
		if sess.IdleFor(now) > maxIdle {
			idle = append(idle, sess)
		}
	}
	return idle
}

// Evict fully removes a session from all indices and the external store,
// used by the TTL sweeper (§4.4 "TTL sweeper").
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	sess, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	delete(r.byIMEI, sess.IMEI)
	if sess.ConnectionID != "" {
		delete(r.byConnection, sess.ConnectionID)
	}
	r.mu.Unlock()

	if err := r.store.DeleteSession(id); err != nil {
		r.logf("session registry: degrade: delete session %s failed: %v", id, err)
	}
	if err := r.store.DeleteIMEIIndex(sess.IMEI); err != nil {
		r.logf("session registry: degrade: delete imei index %s failed: %v", sess.IMEI, err)
	}
}

// Sweeper runs FindIdle/Evict on a timer and optionally closes the
// connection owning each evicted session (§4.4 "TTL sweeper").
type Sweeper struct {
	registry *Registry
	interval time.Duration
	idle     time.Duration
	onEvict  func(sess *DeviceSession)
	stopCh   chan struct{}
	logger   *log.Logger
}

// NewSweeper constructs a Sweeper. onEvict is called (outside the
// registry's lock) for each session evicted, so the caller can close the
// owning connection if still live.
func NewSweeper(registry *Registry, interval, idle time.Duration, onEvict func(*DeviceSession), logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		idle:     idle,
		onEvict:  onEvict,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Run blocks sweeping on Sweeper's interval until Stop is called. Intended
// to be launched with `go sweeper.Run()`.
func (s *Sweeper) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Sweeper) sweepOnce(now time.Time) {
	idle := s.registry.FindIdle(s.idle, now)
	for _, sess := range idle {
		if s.logger != nil {
			s.logger.Printf("session registry: evicting idle session %s (imei=%s, idle=%s)",
				sess.ID, sess.IMEI, fmt.Sprint(sess.IdleFor(now)))
		}
		s.registry.Evict(sess.ID)
		if s.onEvict != nil {
			s.onEvict(sess)
		}
	}
}

// Stop halts the sweeper's goroutine.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

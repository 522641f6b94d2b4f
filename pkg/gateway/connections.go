package gateway

import (
	"fmt"
	"log"
	"sync"

	"github.com/librescoot/gt06-gateway/pkg/gt06"
	"github.com/librescoot/gt06-gateway/pkg/session"
)

// ConnectionTable is the process-local registry of live connections, keyed
// by the same connection short-id the session registry's by_connection
// index uses. It exists precisely so neither a DeviceSession nor a Conn
// needs to hold a reference to the other: both sides look up through
// opaque short-ids, breaking the cycle described in §9's design notes.
type ConnectionTable struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnectionTable constructs an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{conns: make(map[string]*Conn)}
}

// Register records a live connection under id.
func (t *ConnectionTable) Register(id string, c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = c
}

// Unregister removes id, e.g. when the connection closes.
func (t *ConnectionTable) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Get returns the live *Conn for id, if any.
func (t *ConnectionTable) Get(id string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// CommandDispatcher resolves a target IMEI to its currently bound
// connection and writes the serialized command frame, per §4.3's delivery
// contract. The builder itself stays pure (gt06.BuildCommandFrame does not
// touch the network); only this type performs I/O.
type CommandDispatcher struct {
	registry *session.Registry
	conns    *ConnectionTable
	logger   *log.Logger
}

// NewCommandDispatcher wires a registry and connection table together.
func NewCommandDispatcher(registry *session.Registry, conns *ConnectionTable, logger *log.Logger) *CommandDispatcher {
	return &CommandDispatcher{registry: registry, conns: conns, logger: logger}
}

// Dispatch looks up imei's session and bound connection and writes cmd. If
// no session exists, or the connection is inactive, the command is dropped
// with a warning — §4.3: "no retry queue is specified at this layer; retry
// is the caller's concern."
func (d *CommandDispatcher) Dispatch(imei string, cmd gt06.Command) error {
	sess, ok := d.registry.GetByIMEI(imei)
	if !ok {
		d.logf("gateway: warn: dropping command %s for imei %s: no session", cmd, imei)
		return fmt.Errorf("gateway: no session for imei %s", imei)
	}
	if sess.ConnectionID == "" {
		d.logf("gateway: warn: dropping command %s for imei %s: connection inactive", cmd, imei)
		return fmt.Errorf("gateway: connection inactive for imei %s", imei)
	}
	conn, ok := d.conns.Get(sess.ConnectionID)
	if !ok {
		d.logf("gateway: warn: dropping command %s for imei %s: connection %s not live", cmd, imei, sess.ConnectionID)
		return fmt.Errorf("gateway: connection %s not live", sess.ConnectionID)
	}
	return conn.SendCommand(cmd)
}

func (d *CommandDispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// Package gateway implements the per-connection protocol state machine
// (§4.5) and the TCP accept loop that feeds it (§1's "thin adapter").
package gateway

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/gt06"
	"github.com/librescoot/gt06-gateway/pkg/session"
	"github.com/librescoot/gt06-gateway/pkg/telemetry"
)

// connState is the connection lifecycle state: OPEN -> AUTHENTICATED ->
// (transient CLOSING) -> closed.
type connState int

const (
	stateOpen connState = iota
	stateAuthenticated
	stateClosing
)

// Config bundles the §6.4 tunables a Conn needs.
type Config struct {
	IdleTimeout    time.Duration
	StrictCRC      bool
	StrictStopBits bool
	MaxFrameLength int
}

// Conn drives one accepted TCP connection's GT06 session: decode frames,
// dispatch by opcode, ACK, and keep the session registry current. Frame
// processing within a connection is strictly ordered and single-threaded
// (§5): only Run reads and handles frames. Close and SendCommand are called
// from other goroutines (the sweeper's eviction callback and
// CommandDispatcher); SendCommand's serial counter is not synchronized, so
// concurrent SendCommand calls on one Conn are not safe.
type Conn struct {
	id       string
	net      net.Conn
	decoder  *gt06.Decoder
	registry *session.Registry
	emitter  *telemetry.Emitter
	logger   *log.Logger
	cfg      Config

	state     connState
	sessionID string
	variant   session.Variant
	serial    *gt06.Serializer
}

// NewConn wraps an accepted net.Conn. id is the connection's opaque
// short-id, used as the registry's by_connection key.
func NewConn(id string, nc net.Conn, registry *session.Registry, emitter *telemetry.Emitter, logger *log.Logger, cfg Config) *Conn {
	decoder := gt06.NewDecoder(
		gt06.WithStrictCRC(cfg.StrictCRC),
		gt06.WithStrictStopBits(cfg.StrictStopBits),
		gt06.WithMaxFrameLength(nonZero(cfg.MaxFrameLength, gt06.MaxFrameLength)),
	)
	return &Conn{
		id:       id,
		net:      nc,
		decoder:  decoder,
		registry: registry,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg,
		state:    stateOpen,
		serial:   gt06.NewSerializer(),
	}
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c *Conn) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Run blocks reading and processing frames until the connection closes
// (peer hangup, idle timeout, or fatal I/O error — §7 TransportFatal). It
// always releases the connection's registry binding before returning,
// regardless of how it exits (§5 "Resource cleanup").
func (c *Conn) Run() {
	defer c.cleanup()

	buf := make([]byte, 4096)
	for {
		if c.cfg.IdleTimeout > 0 {
			_ = c.net.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}

		n, err := c.net.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.logf("gateway: conn %s idle timeout, closing", c.id)
			} else {
				c.logf("gateway: conn %s read error: %v", c.id, err)
			}
			c.state = stateClosing
			return
		}
		if n == 0 {
			continue
		}

		frames := c.decoder.Feed(buf[:n])
		for _, frame := range frames {
			if err := c.handleFrame(frame, time.Now()); err != nil {
				c.logf("gateway: conn %s fatal write error: %v", c.id, err)
				c.state = stateClosing
				return
			}
		}
	}
}

func (c *Conn) cleanup() {
	c.registry.RemoveByConnection(c.id)
	_ = c.net.Close()
}

// handleFrame dispatches a single decoded frame per §4.5's table. A
// non-nil error is TransportFatal (a write failed) and terminates Run.
func (c *Conn) handleFrame(frame gt06.Frame, now time.Time) error {
	switch frame.Protocol {
	case gt06.ProtoLogin:
		return c.handleLogin(frame, now)
	case gt06.ProtoHeartbeat:
		return c.handleHeartbeat(frame, now)
	case gt06.ProtoStatus:
		return c.handleStatus(frame, now)
	case gt06.ProtoGPSLBS, gt06.ProtoGPSAddr, gt06.ProtoGPSLBSStatus, gt06.ProtoGPSAddrStatus,
		gt06.ProtoGPSOffline, gt06.ProtoGPSPhone, gt06.ProtoGPSDog, gt06.ProtoLocationExt:
		return c.handleLocation(frame, now)
	case gt06.ProtoLBSPhone, gt06.ProtoLBSExtend, gt06.ProtoLBSMultiple:
		return c.handleLBS(frame, now)
	case gt06.ProtoCommandResponse:
		return c.handleCommandResponse(frame, now)
	default:
		c.logf("gateway: conn %s unhandled opcode 0x%02x, serial=%d", c.id, frame.Protocol, frame.Serial)
		return c.ack(frame.Protocol, frame.Serial)
	}
}

// handleLogin implements the 0x01 row: valid in OPEN or AUTHENTICATED,
// classifies the variant exactly once, creates/rebinds the session, and
// ACKs.
func (c *Conn) handleLogin(frame gt06.Frame, now time.Time) error {
	imei, err := gt06.DecodeIMEI(firstN(frame.Body, 8))
	if err != nil {
		c.logf("gateway: conn %s login parse failure: %v", c.id, err)
		// Still ACK: a structurally valid login frame with an undecodable
		// IMEI is a ParseFailure, not a framing error.
		return c.ack(gt06.ProtoLogin, frame.Serial)
	}

	sess, _ := c.registry.CreateOrRebind(imei, c.id, c.remoteAddr(), now)

	firstLogin := sess.DeviceVariant == session.VariantUnset
	if firstLogin {
		sess.DeviceVariant = session.DetectVariant(len(frame.Body))
	}
	sess.Authenticated = true
	sess.Touch(now)
	c.registry.Save(sess)

	c.sessionID = sess.ID
	c.variant = sess.DeviceVariant
	c.state = stateAuthenticated

	kind := "connect"
	if !firstLogin {
		kind = "rebind"
	}
	c.emitter.EmitSessionEvent(kind, sess.ID, imei, now)

	return c.ack(gt06.ProtoLogin, frame.Serial)
}

// handleHeartbeat implements the 0x23 row: requires an existing session
// (any connection state), updates activity, and ACKs.
func (c *Conn) handleHeartbeat(frame gt06.Frame, now time.Time) error {
	sess, ok := c.boundSession()
	if !ok {
		c.logf("gateway: conn %s heartbeat without session, dropping (debug)", c.id)
		return nil
	}
	sess.Touch(now)
	c.registry.Save(sess)
	return c.ack(gt06.ProtoHeartbeat, frame.Serial)
}

// handleStatus implements the 0x13 row, including the §4.5 V5 carve-out:
// V5 devices send status as their primary telemetry and must not be logged
// as anomalous; the advisory log fires at most once per session.
func (c *Conn) handleStatus(frame gt06.Frame, now time.Time) error {
	if c.state != stateAuthenticated {
		c.logf("gateway: conn %s status frame before auth, dropping (debug)", c.id)
		return nil
	}
	sess, ok := c.boundSession()
	if !ok {
		return nil
	}

	rec := gt06.DecodeRecord(gt06.ProtoStatus, frame.Body)
	unparsable := rec.Unparsable != nil
	if unparsable {
		c.logf("gateway: conn %s status parse failure: %v", c.id, rec.Unparsable)
	}

	if sess.DeviceVariant == session.VariantV5 {
		if !sess.HasReceivedStatusAdvice {
			c.logf("gateway: conn %s (imei=%s) V5 variant: status frames are primary telemetry, not an anomaly", c.id, sess.IMEI)
			sess.HasReceivedStatusAdvice = true
		}
	} else if !unparsable {
		c.logf("gateway: conn %s (imei=%s) unexpected status frame for variant %s; check device configuration", c.id, sess.IMEI, sess.DeviceVariant)
	}

	sess.Touch(now)
	c.registry.Save(sess)
	c.emitter.EmitStatus(sess.ID, sess.IMEI, rec.Status, unparsable)

	return c.ack(gt06.ProtoStatus, frame.Serial)
}

// handleLocation implements the location rows: requires AUTHENTICATED,
// parses best-effort, marks has_received_location, and emits telemetry.
func (c *Conn) handleLocation(frame gt06.Frame, now time.Time) error {
	if c.state != stateAuthenticated {
		c.logf("gateway: conn %s location frame before auth, dropping (debug)", c.id)
		return nil
	}
	sess, ok := c.boundSession()
	if !ok {
		return nil
	}

	rec := gt06.DecodeRecord(frame.Protocol, frame.Body)
	if rec.Unparsable != nil {
		c.logf("gateway: conn %s location parse failure (opcode 0x%02x): %v", c.id, frame.Protocol, rec.Unparsable)
	} else {
		sess.HasReceivedLocation = true
		c.emitter.EmitLocation(sess.ID, sess.IMEI, *rec.Location)
	}

	sess.Touch(now)
	c.registry.Save(sess)

	return c.ack(frame.Protocol, frame.Serial)
}

// handleLBS implements the LBS rows: requires AUTHENTICATED, parses
// best-effort, and emits telemetry on its own topic. LBS fixes are
// cell-tower, not GPS, so they carry no coordinate and get a dedicated
// event (telemetry.EmitLBS) rather than being folded into the location
// publish.
func (c *Conn) handleLBS(frame gt06.Frame, now time.Time) error {
	if c.state != stateAuthenticated {
		c.logf("gateway: conn %s lbs frame before auth, dropping (debug)", c.id)
		return nil
	}
	sess, ok := c.boundSession()
	if !ok {
		return nil
	}

	rec := gt06.DecodeRecord(frame.Protocol, frame.Body)
	if rec.Unparsable != nil {
		c.logf("gateway: conn %s lbs parse failure (opcode 0x%02x): %v", c.id, frame.Protocol, rec.Unparsable)
	} else {
		c.emitter.EmitLBS(sess.ID, sess.IMEI, *rec.LBS)
	}

	sess.Touch(now)
	c.registry.Save(sess)

	return c.ack(frame.Protocol, frame.Serial)
}

// handleCommandResponse implements the 0x8A row: correlate by serial and
// ACK. No session mutation beyond activity touch.
func (c *Conn) handleCommandResponse(frame gt06.Frame, now time.Time) error {
	if c.state != stateAuthenticated {
		c.logf("gateway: conn %s command response before auth, dropping (debug)", c.id)
		return nil
	}
	sess, ok := c.boundSession()
	if !ok {
		return nil
	}
	c.logf("gateway: conn %s (imei=%s) command response correlated to serial %d", c.id, sess.IMEI, frame.Serial)
	sess.Touch(now)
	c.registry.Save(sess)
	return c.ack(gt06.ProtoCommandResponse, frame.Serial)
}

func (c *Conn) boundSession() (*session.DeviceSession, bool) {
	if c.sessionID == "" {
		return nil, false
	}
	return c.registry.GetByID(c.sessionID)
}

func (c *Conn) remoteAddr() string {
	if a := c.net.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// ack writes a generic ACK frame echoing protocol and serial (§4.5). Login
// frames and unhandled opcodes are always ACKed; the other handled opcodes
// are dropped without an ACK when the connection has not logged in or has
// no bound session. A write failure here is what surfaces TransportFatal.
func (c *Conn) ack(protocol byte, serial uint16) error {
	frame, err := gt06.Encode(protocol, nil, serial)
	if err != nil {
		return fmt.Errorf("gateway: encode ack: %w", err)
	}
	if _, err := c.net.Write(frame); err != nil {
		return fmt.Errorf("gateway: write ack: %w", err)
	}
	return nil
}

// Close closes the underlying network connection. Used by the TTL
// sweeper to tear down a connection whose session it just evicted (§4.4
// "closes the owning connection if still live").
func (c *Conn) Close() error {
	return c.net.Close()
}

// SendCommand serializes and writes an outbound command frame directly on
// this connection (used by the command builder's delivery path once it has
// resolved the target connection through the registry).
func (c *Conn) SendCommand(cmd gt06.Command) error {
	frame, err := gt06.BuildCommandFrame(cmd, c.serial.Next())
	if err != nil {
		return err
	}
	_, err = c.net.Write(frame)
	return err
}

func firstN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}

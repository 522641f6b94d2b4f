package gateway

import (
	"bytes"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/gt06"
	"github.com/librescoot/gt06-gateway/pkg/session"
	"github.com/librescoot/gt06-gateway/pkg/telemetry"
)

type fakeBus struct {
	mu        sync.Mutex
	published int
}

func (f *fakeBus) Publish(channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

func newTestConn(t *testing.T, logger *log.Logger) (*Conn, net.Conn, *session.Registry) {
	t.Helper()
	server, client := net.Pipe()
	store := newFakeStore()
	registry := session.NewRegistry(store, time.Hour, logger)
	emitter := telemetry.New(&fakeBus{}, logger)
	cfg := Config{}
	conn := NewConn("conn-1", server, registry, emitter, logger, cfg)
	return conn, client, registry
}

// newTestConnWithBus is newTestConn plus access to the fakeBus, for tests
// that need to assert telemetry was actually published rather than just
// that the wire protocol behaved.
func newTestConnWithBus(t *testing.T, logger *log.Logger) (*Conn, net.Conn, *session.Registry, *fakeBus) {
	t.Helper()
	server, client := net.Pipe()
	store := newFakeStore()
	registry := session.NewRegistry(store, time.Hour, logger)
	bus := &fakeBus{}
	emitter := telemetry.New(bus, logger)
	cfg := Config{}
	conn := NewConn("conn-1", server, registry, emitter, logger, cfg)
	return conn, client, registry, bus
}

func readFrame(t *testing.T, client net.Conn) gt06.Frame {
	t.Helper()
	buf := make([]byte, 256)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := gt06.Decode(buf[:n], false, false)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func expectNoFrame(t *testing.T, client net.Conn) {
	t.Helper()
	buf := make([]byte, 256)
	_ = client.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, err := client.Read(buf)
	if err == nil {
		t.Fatal("expected no frame, but one arrived")
	}
}

func TestConnLoginCreatesAuthenticatedSession(t *testing.T) {
	conn, client, registry := newTestConn(t, nil)
	go conn.Run()
	defer client.Close()

	bcd, err := gt06.EncodeIMEI("123456789012345")
	if err != nil {
		t.Fatalf("EncodeIMEI: %v", err)
	}
	wire, _ := gt06.Encode(gt06.ProtoLogin, bcd, 1)
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("write login: %v", err)
	}

	ack := readFrame(t, client)
	if ack.Protocol != gt06.ProtoLogin || ack.Serial != 1 {
		t.Fatalf("ack = %+v, want login ack serial 1", ack)
	}

	sess, ok := registry.GetByIMEI("123456789012345")
	if !ok {
		t.Fatal("expected a session to be created for the logged-in imei")
	}
	if !sess.Authenticated {
		t.Error("expected session to be marked authenticated")
	}
}

func TestConnHeartbeatBeforeLoginIsSilentlyDropped(t *testing.T) {
	conn, client, _ := newTestConn(t, nil)
	go conn.Run()
	defer client.Close()

	wire, _ := gt06.Encode(gt06.ProtoHeartbeat, nil, 1)
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	expectNoFrame(t, client)
}

func TestConnVariantDetectedOnlyOnFirstLogin(t *testing.T) {
	conn, client, registry := newTestConn(t, nil)
	go conn.Run()
	defer client.Close()

	shortBody := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45} // 8 bytes -> V5
	wire, _ := gt06.Encode(gt06.ProtoLogin, shortBody, 1)
	client.Write(wire)
	readFrame(t, client)

	sess, _ := registry.GetByIMEI("123456789012345")
	if sess.DeviceVariant != session.VariantV5 {
		t.Fatalf("variant = %v, want VariantV5", sess.DeviceVariant)
	}

	// Force the stored variant to something else, then log in again: the
	// variant must not be recomputed (§4.5 "classifies the variant exactly
	// once").
	sess.DeviceVariant = session.VariantSK05
	registry.Save(sess)

	wire2, _ := gt06.Encode(gt06.ProtoLogin, shortBody, 2)
	client.Write(wire2)
	readFrame(t, client)

	sess2, _ := registry.GetByIMEI("123456789012345")
	if sess2.DeviceVariant != session.VariantSK05 {
		t.Fatalf("variant = %v, want it to remain VariantSK05 across rebind", sess2.DeviceVariant)
	}
}

func TestConnStatusV5CarveOutLogsAdvisoryOnce(t *testing.T) {
	var logBuf bytes.Buffer
	logger := log.New(&logBuf, "", 0)
	conn, client, _ := newTestConn(t, logger)
	go conn.Run()
	defer client.Close()

	shortBody := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}
	loginWire, _ := gt06.Encode(gt06.ProtoLogin, shortBody, 1)
	client.Write(loginWire)
	readFrame(t, client)

	statusWire, _ := gt06.Encode(gt06.ProtoStatus, []byte{0x00, 0x64, 0x04}, 2)
	client.Write(statusWire)
	readFrame(t, client)
	client.Write(statusWire)
	readFrame(t, client)

	count := bytes.Count(logBuf.Bytes(), []byte("status frames are primary telemetry"))
	if count != 1 {
		t.Errorf("advisory logged %d times, want exactly 1", count)
	}
}

func TestConnLocationBeforeAuthIsSilentlyDropped(t *testing.T) {
	conn, client, _ := newTestConn(t, nil)
	go conn.Run()
	defer client.Close()

	loc := []byte{24, 3, 15, 12, 0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	wire, _ := gt06.Encode(gt06.ProtoGPSLBS, loc, 1)
	client.Write(wire)

	expectNoFrame(t, client)
}

func TestConnLBSEmitsTelemetry(t *testing.T) {
	conn, client, _, bus := newTestConnWithBus(t, nil)
	go conn.Run()
	defer client.Close()

	bcd, _ := gt06.EncodeIMEI("123456789012345")
	loginWire, _ := gt06.Encode(gt06.ProtoLogin, bcd, 1)
	client.Write(loginWire)
	readFrame(t, client)

	lbsBody := []byte{0x01, 0xCC, 0x00, 0x00, 0x01, 0x00, 0x00, 0x02} // MCC=460, MNC=0, LAC=1, CID=2
	lbsWire, _ := gt06.Encode(gt06.ProtoLBSPhone, lbsBody, 2)
	client.Write(lbsWire)

	ack := readFrame(t, client)
	if ack.Protocol != gt06.ProtoLBSPhone || ack.Serial != 2 {
		t.Fatalf("ack = %+v, want lbs ack serial 2", ack)
	}

	bus.mu.Lock()
	published := bus.published
	bus.mu.Unlock()
	if published != 2 {
		t.Fatalf("published = %d, want 2 (connect + lbs)", published)
	}
}

func TestConnCleanupDetachesConnectionOnClose(t *testing.T) {
	conn, client, registry := newTestConn(t, nil)
	done := make(chan struct{})
	go func() {
		conn.Run()
		close(done)
	}()

	bcd, _ := gt06.EncodeIMEI("123456789012345")
	wire, _ := gt06.Encode(gt06.ProtoLogin, bcd, 1)
	client.Write(wire)
	readFrame(t, client)

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("conn.Run did not return after client closed")
	}

	if _, ok := registry.GetByConnection("conn-1"); ok {
		t.Error("connection binding should be removed after cleanup")
	}
	if _, ok := registry.GetByIMEI("123456789012345"); !ok {
		t.Error("session record should survive the connection's cleanup")
	}
}

func TestConnectionTableRegisterGetUnregister(t *testing.T) {
	table := NewConnectionTable()
	conn, client, _ := newTestConn(t, nil)
	defer client.Close()

	table.Register("conn-1", conn)
	if got, ok := table.Get("conn-1"); !ok || got != conn {
		t.Fatal("expected Get to return the registered connection")
	}

	table.Unregister("conn-1")
	if _, ok := table.Get("conn-1"); ok {
		t.Error("expected Get to fail after Unregister")
	}
}

func TestCommandDispatcherDropsWhenNoSession(t *testing.T) {
	store := newFakeStore()
	registry := session.NewRegistry(store, time.Hour, nil)
	table := NewConnectionTable()
	dispatcher := NewCommandDispatcher(registry, table, nil)

	err := dispatcher.Dispatch("123456789012345", gt06.Command{Kind: gt06.CommandLocate})
	if err == nil {
		t.Fatal("expected an error when no session exists for the imei")
	}
}

func TestCommandDispatcherDeliversToLiveConnection(t *testing.T) {
	conn, client, registry := newTestConn(t, nil)
	table := NewConnectionTable()
	table.Register("conn-1", conn)

	sess, err := registry.CreateOrRebind("123456789012345", "conn-1", "addr", time.Now())
	if err != nil {
		t.Fatalf("CreateOrRebind: %v", err)
	}
	sess.Authenticated = true
	registry.Save(sess)

	dispatcher := NewCommandDispatcher(registry, table, nil)
	go func() {
		_ = dispatcher.Dispatch("123456789012345", gt06.Command{Kind: gt06.CommandLocate})
	}()

	frame := readFrame(t, client)
	if frame.Protocol != gt06.ProtoCommandResponse {
		t.Errorf("protocol = 0x%02x, want 0x%02x (CommandLocate uses the response opcode)", frame.Protocol, gt06.ProtoCommandResponse)
	}
	client.Close()
}

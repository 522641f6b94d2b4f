// Command gt06-simulator replays a scripted GT06 device session — login,
// heartbeat, and a location fix — against a gateway under test. It can
// target either a TCP listener (the normal deployment) or a serial port
// bridging to real tracker hardware wired up on a bench, the way field
// technicians validate a gateway against the actual UART/RS232 bridge a
// cheap GT06 tracker exposes before it ever gets a SIM card and a real
// cellular path.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/gt06"
	"github.com/tarm/serial"
)

var (
	tcpAddr    = flag.String("tcp", "", "gateway TCP address to dial, e.g. localhost:5023")
	serialPort = flag.String("serial", "", "serial device path for a bench-wired tracker bridge")
	baudRate   = flag.Int("baud", 115200, "serial baud rate")
	imei       = flag.String("imei", "123456789012345", "15-digit IMEI to log in with")
)

func main() {
	flag.Parse()

	if *tcpAddr == "" && *serialPort == "" {
		log.Fatalf("simulator: one of -tcp or -serial is required")
	}

	rw, closeFn, err := openTransport()
	if err != nil {
		log.Fatalf("simulator: %v", err)
	}
	defer closeFn()

	if err := runSession(rw, *imei); err != nil {
		log.Fatalf("simulator: session failed: %v", err)
	}
}

func openTransport() (io.ReadWriter, func(), error) {
	if *tcpAddr != "" {
		conn, err := net.Dial("tcp", *tcpAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", *tcpAddr, err)
		}
		return conn, func() { conn.Close() }, nil
	}

	cfg := &serial.Config{
		Name:        *serialPort,
		Baud:        *baudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 5 * time.Second,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open serial port %s: %w", *serialPort, err)
	}
	return port, func() { port.Close() }, nil
}

// runSession sends a login frame, waits for its ACK, then a heartbeat and
// one location fix, logging each ACK it receives.
func runSession(rw io.ReadWriter, imeiStr string) error {
	bcd, err := gt06.EncodeIMEI(imeiStr)
	if err != nil {
		return fmt.Errorf("encode imei: %w", err)
	}

	if err := sendAndAwaitAck(rw, gt06.ProtoLogin, bcd, 1); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Printf("simulator: login accepted for imei %s", imeiStr)

	if err := sendAndAwaitAck(rw, gt06.ProtoHeartbeat, nil, 2); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	log.Printf("simulator: heartbeat acknowledged")

	loc := sampleLocationBody()
	if err := sendAndAwaitAck(rw, gt06.ProtoGPSLBS, loc, 3); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	log.Printf("simulator: location acknowledged")

	return nil
}

func sendAndAwaitAck(rw io.ReadWriter, protocol byte, body []byte, serialNum uint16) error {
	frame, err := gt06.Encode(protocol, body, serialNum)
	if err != nil {
		return err
	}
	if _, err := rw.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	ack := make([]byte, gt06.MaxFrameLength)
	n, err := rw.Read(ack)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	decoder := gt06.NewDecoder()
	frames := decoder.Feed(ack[:n])
	if len(frames) == 0 {
		return fmt.Errorf("no ack frame decoded from %d bytes", n)
	}
	if frames[0].Protocol != protocol || frames[0].Serial != serialNum {
		return fmt.Errorf("unexpected ack: %+v", frames[0])
	}
	return nil
}

// sampleLocationBody builds a standard-layout location body for a fixed
// sample fix (used only by the simulator, not the gateway itself).
func sampleLocationBody() []byte {
	body := make([]byte, 19)
	body[0] = 24               // year 2024
	body[1] = 3                // month
	body[2] = 15                // day
	body[3] = 12                // hour
	body[4] = 34                // minute
	body[5] = 56                // second
	body[6] = 0                 // gps-info length (informational)
	body[7] = 8                 // satellites
	latRaw := uint32(10.702 * 1800000)
	lonRaw := uint32(76.513 * 1800000)
	body[8] = byte(latRaw >> 24)
	body[9] = byte(latRaw >> 16)
	body[10] = byte(latRaw >> 8)
	body[11] = byte(latRaw)
	body[12] = byte(lonRaw >> 24)
	body[13] = byte(lonRaw >> 16)
	body[14] = byte(lonRaw >> 8)
	body[15] = byte(lonRaw)
	body[16] = 60 // speed
	// course=88, GPS valid bit set, bit 10 set (north) and bit 11 clear
	// (east), per the decoder's hemisphere convention.
	courseStatus := uint16(88) | (1 << 10) | (1 << 12)
	body[17] = byte(courseStatus >> 8)
	body[18] = byte(courseStatus)
	return body
}

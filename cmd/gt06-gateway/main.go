// Command gt06-gateway runs the TCP device gateway for GT06-family vehicle
// trackers: frame codec, connection state machine, session registry, and
// telemetry emitter wired together behind a plain TCP listener.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/gateway"
	redisclient "github.com/librescoot/gt06-gateway/pkg/redis"
	"github.com/librescoot/gt06-gateway/pkg/session"
	"github.com/librescoot/gt06-gateway/pkg/telemetry"
)

// Configuration flags, following the teacher's package-level flag.* vars
// parsed once in main().
var (
	listenAddr      = flag.String("listen", ":5023", "TCP address to accept device connections on")
	redisAddr       = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass       = flag.String("redis-pass", "", "Redis password")
	redisDB         = flag.Int("redis-db", 0, "Redis database number")
	idleTimeoutSec  = flag.Int("idle-timeout-seconds", 600, "session TTL and connection idle threshold")
	cleanupInterval = flag.Int("cleanup-interval-seconds", 60, "TTL sweeper period")
	maxFrameLength  = flag.Int("max-frame-length", 1024, "hard cap on a single frame's total wire size")
	strictCRC       = flag.Bool("strict-crc", false, "reject frames whose CRC mismatches")
	strictStopBits  = flag.Bool("strict-stop-bits", false, "reject frames whose stop bits are outside the accepted set")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	logger.Printf("Starting GT06 device gateway")
	logger.Printf("Listen address: %s", *listenAddr)
	logger.Printf("Redis address: %s", *redisAddr)

	redisClient, err := redisclient.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Printf("Connected to Redis")

	store := session.NewRedisStore(redisClient)
	idleTimeout := time.Duration(*idleTimeoutSec) * time.Second
	registry := session.NewRegistry(store, idleTimeout, logger)

	emitter := telemetry.New(redisClient, logger)
	conns := gateway.NewConnectionTable()

	cfg := gateway.Config{
		IdleTimeout:    idleTimeout,
		StrictCRC:      *strictCRC,
		StrictStopBits: *strictStopBits,
		MaxFrameLength: *maxFrameLength,
	}

	server := gateway.NewServer(*listenAddr, registry, emitter, conns, logger, cfg)

	dispatcher := gateway.NewCommandDispatcher(registry, conns, logger)
	queueWorker := gateway.NewCommandQueueWorker(redisClient, dispatcher, logger)
	go queueWorker.Run()

	sweeper := session.NewSweeper(registry, time.Duration(*cleanupInterval)*time.Second, idleTimeout, func(sess *session.DeviceSession) {
		logger.Printf("gateway: sweeper evicted idle session %s (imei=%s)", sess.ID, sess.IMEI)
		emitter.EmitSessionEvent("disconnect", sess.ID, sess.IMEI, time.Now())
		if sess.ConnectionID != "" {
			if c, ok := conns.Get(sess.ConnectionID); ok {
				_ = c.Close()
			}
		}
	}, logger)
	go sweeper.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("gateway: listen failed: %v", err)
		}
	case <-sigCh:
		logger.Printf("Shutting down...")
	}

	sweeper.Stop()
	queueWorker.Stop()
	server.Stop(5 * time.Second)
	logger.Printf("Shutdown complete")
}

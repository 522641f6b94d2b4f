// Command gt06-tail is the admin/debug surface named in the design notes: it
// subscribes to the gateway's telemetry topics and prints each decoded event
// as indented JSON, the way an operator would tail device activity without
// standing up a full dashboard.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/librescoot/gt06-gateway/pkg/redis"
	"github.com/librescoot/gt06-gateway/pkg/telemetry"
)

var (
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
)

func main() {
	flag.Parse()

	client, err := redisclient.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("gt06-tail: %v", err)
	}
	defer client.Close()

	topics := []string{telemetry.TopicSessions, telemetry.TopicLocation, telemetry.TopicStatus, telemetry.TopicLBS}
	closers := make([]func(), 0, len(topics))
	for _, topic := range topics {
		ch, closeFn := client.Subscribe(topic)
		closers = append(closers, closeFn)
		go tailTopic(topic, ch)
	}
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// tailTopic decodes each message on ch per topic's event schema and prints
// it as indented JSON. Decode failures are logged and skipped rather than
// killing the tail, since a debug tool outliving one bad message matters
// more than failing loudly.
func tailTopic(topic string, ch <-chan *redis.Message) {
	for msg := range ch {
		evt, err := telemetry.DecodeEvent(topic, []byte(msg.Payload))
		if err != nil {
			log.Printf("gt06-tail: %s: %v", topic, err)
			continue
		}
		out, err := telemetry.DebugJSON(evt)
		if err != nil {
			log.Printf("gt06-tail: %s: render: %v", topic, err)
			continue
		}
		log.Printf("[%s]\n%s", topic, out)
	}
}

package gateway

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/librescoot/gt06-gateway/pkg/gt06"
)

// CommandQueueKey is the Redis list an operator (or any external caller)
// LPUSHes pending commands onto. §4.3 explicitly leaves retry/queueing to
// "the caller's concern"; this is that caller, built the same way the
// teacher's Service drains its own BLE command list (pkg/service/redis_handlers.go
// WatchRedisCommands): BRPOP in a loop, translate the string payload, deliver.
const CommandQueueKey = "gt06:commands"

// QueueBackend is the BRPOP/LPUSH surface the worker needs. pkg/redis.Client
// satisfies it directly.
type QueueBackend interface {
	LPush(key, value string) error
	BRPop(timeout time.Duration, key string) ([]string, error)
}

// CommandQueueWorker drains CommandQueueKey and dispatches each entry
// through a CommandDispatcher as soon as it is popped. Each entry is tried
// once: if the device has no live connection at that moment, Dispatch
// fails, the failure is logged, and the entry is not pushed back onto the
// list.
type CommandQueueWorker struct {
	backend    QueueBackend
	dispatcher *CommandDispatcher
	logger     *log.Logger
	stopCh     chan struct{}
}

// NewCommandQueueWorker wires a queue backend to a dispatcher.
func NewCommandQueueWorker(backend QueueBackend, dispatcher *CommandDispatcher, logger *log.Logger) *CommandQueueWorker {
	return &CommandQueueWorker{
		backend:    backend,
		dispatcher: dispatcher,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Enqueue formats and pushes one pending command for imei. cmdText is one of
// "immobilize", "mobilize", "siren-on", "siren-off", "locate", or any other
// string, which is delivered as CommandGeneric.
func Enqueue(backend QueueBackend, imei, cmdText string) error {
	return backend.LPush(CommandQueueKey, imei+"|"+cmdText)
}

// Run blocks draining the queue until Stop is called, mirroring the
// teacher's WatchRedisCommands: a blocking BRPOP in a select against a stop
// channel, logging and retrying on transient errors rather than exiting.
func (w *CommandQueueWorker) Run() {
	w.logf("gateway: command queue worker starting on list key %s", CommandQueueKey)
	for {
		select {
		case <-w.stopCh:
			w.logf("gateway: command queue worker stopping")
			return
		default:
		}

		result, err := w.backend.BRPop(time.Second, CommandQueueKey)
		if err != nil {
			w.logf("gateway: command queue: brpop error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) != 2 {
			continue // timeout: BRPop returns nil, nil
		}

		imei, cmd, err := parseQueueEntry(result[1])
		if err != nil {
			w.logf("gateway: command queue: dropping malformed entry %q: %v", result[1], err)
			continue
		}

		if err := w.dispatcher.Dispatch(imei, cmd); err != nil {
			w.logf("gateway: command queue: dispatch to %s failed: %v", imei, err)
		}
	}
}

// Stop halts Run's loop.
func (w *CommandQueueWorker) Stop() {
	close(w.stopCh)
}

func (w *CommandQueueWorker) logf(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// parseQueueEntry splits an "imei|command" queue entry and maps the command
// word to a gt06.Command, the way the teacher's WatchRedisCommands maps
// string command names to ble.MessageType/SubType pairs via a switch.
func parseQueueEntry(entry string) (imei string, cmd gt06.Command, err error) {
	parts := strings.SplitN(entry, "|", 2)
	if len(parts) != 2 {
		return "", gt06.Command{}, fmt.Errorf("expected \"imei|command\", got %q", entry)
	}
	imei, word := parts[0], parts[1]

	switch word {
	case "immobilize":
		cmd = gt06.Command{Kind: gt06.CommandImmobilize, Enable: true}
	case "mobilize":
		cmd = gt06.Command{Kind: gt06.CommandImmobilize, Enable: false}
	case "siren-on":
		cmd = gt06.Command{Kind: gt06.CommandSiren, Enable: true}
	case "siren-off":
		cmd = gt06.Command{Kind: gt06.CommandSiren, Enable: false}
	case "locate":
		cmd = gt06.Command{Kind: gt06.CommandLocate}
	default:
		cmd = gt06.Command{Kind: gt06.CommandGeneric, Text: word}
	}
	return imei, cmd, nil
}

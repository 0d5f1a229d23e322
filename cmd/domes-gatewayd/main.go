// Command domes-gatewayd is the receiver-side daemon: it owns the
// transport, the flash backend, and the receiver FSM, publishes
// session state to Redis, and watches a Redis control list for the
// confirm/rollback decisions a higher-level self-test would normally
// drive. Grounded on the teacher's cmd/bluetooth-service/main.go (flag
// parsing, Redis connect, signal-driven shutdown) wired to
// pkg/receiver instead of pkg/service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libredomes/domes/pkg/flashbackend"
	"github.com/libredomes/domes/pkg/frame"
	"github.com/libredomes/domes/pkg/receiver"
	"github.com/libredomes/domes/pkg/redisbridge"
	"github.com/libredomes/domes/pkg/sessionlog"
	"github.com/libredomes/domes/pkg/transport"
)

var (
	transportKind = flag.String("transport", "serial", "Transport to use: serial|loopback")
	device        = flag.String("device", "/dev/ttyUSB0", "Serial device path (ignored for --transport=loopback)")
	baudRate      = flag.Int("baud", 115200, "Serial baud rate")
	stagingDir    = flag.String("staging-dir", "/var/lib/domes/ota", "Directory for staged firmware slots and metadata")
	redisAddr     = flag.String("redis-addr", "", "Redis server address (disabled if empty)")
	redisPass     = flag.String("redis-pass", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database number")
	podID         = flag.String("pod-id", "", "Identifier for this pod, included in log lines")
	history       = flag.String("history", "domes-gatewayd-sessions.log", "Path to the local session history log")
	// maxBootAttempts bounds how many times the device may reboot into a
	// pending-verification partition before domes-gatewayd rolls it back
	// on its own, standing in for a hardware watchdog (§4.4).
	maxBootAttempts = flag.Int("max-boot-attempts", 3, "Automatic rollback threshold for an unconfirmed update")
)

func logPrefix() string {
	if *podID == "" {
		return ""
	}
	return "[" + *podID + "] "
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("%sStarting domes-gatewayd", logPrefix())

	backend, err := flashbackend.NewFileBackend(*stagingDir)
	if err != nil {
		log.Fatalf("Failed to open flash backend at %s: %v", *stagingDir, err)
	}

	sessLog, err := sessionlog.Open(*history)
	if err != nil {
		log.Fatalf("Failed to open session history log %s: %v", *history, err)
	}

	var rdb *redisbridge.Client
	if *redisAddr != "" {
		rdb, err = redisbridge.New(*redisAddr, *redisPass, *redisDB, *podID)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		log.Printf("%sConnected to Redis at %s", logPrefix(), *redisAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("%sSignal received, shutting down...", logPrefix())
		cancel()
	}()

	if backend.IsPendingVerification() {
		handlePendingVerificationOnStartup(backend, sessLog)
	}

	if rdb != nil {
		go func() {
			handlers := redisbridge.ControlHandlers{
				OnConfirm: func() error {
					log.Printf("%sConfirm command received", logPrefix())
					label := backend.CurrentPartitionLabel()
					if err := backend.Confirm(); err != nil {
						return err
					}
					if err := sessLog.Append(sessionlog.Record{
						StartedAtMs:  sessionlog.NowMs(),
						FinishedAtMs: sessionlog.NowMs(),
						Outcome:      sessionlog.OutcomeConfirmed,
						Detail:       "partition " + label,
					}); err != nil {
						log.Printf("%sWarning: failed to append session history: %v", logPrefix(), err)
					}
					return nil
				},
				OnRollback: func() error {
					log.Printf("%sRollback command received", logPrefix())
					label := backend.CurrentPartitionLabel()
					if err := backend.Rollback(); err != nil {
						return err
					}
					if err := sessLog.Append(sessionlog.Record{
						StartedAtMs:  sessionlog.NowMs(),
						FinishedAtMs: sessionlog.NowMs(),
						Outcome:      sessionlog.OutcomeRolledBack,
						Detail:       "partition " + label,
					}); err != nil {
						log.Printf("%sWarning: failed to append session history: %v", logPrefix(), err)
					}
					return nil
				},
			}
			if err := rdb.WatchControl(ctx, handlers); err != nil && ctx.Err() == nil {
				log.Printf("%sControl watcher stopped: %v", logPrefix(), err)
			}
		}()
	}

	var tr transport.Transport
	switch *transportKind {
	case "serial":
		tr = transport.NewSerial(*device, *baudRate)
	case "loopback":
		// A standalone loopback daemon has no peer; useful only for
		// smoke-testing startup/shutdown plumbing.
		tr, _ = transport.NewLoopbackPair()
	default:
		log.Fatalf("Unknown --transport %q (want serial|loopback)", *transportKind)
	}
	if err := tr.Init(); err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	defer tr.Disconnect()

	rcv := receiver.New(backend)
	log.Printf("%sReady, waiting for an OTA session", logPrefix())
	runReceiveLoop(ctx, tr, rcv, sessLog, rdb)
	log.Printf("%sdomes-gatewayd stopped", logPrefix())
}

// handlePendingVerificationOnStartup implements the boot-time half of
// the self-test watchdog (§4.4): a partition left pending across a
// restart means the previous session never got an explicit confirm.
// Once the boot counter exceeds maxBootAttempts, domes-gatewayd treats
// that as a failed self-test and rolls back on its own rather than
// waiting forever for a confirm that may never come.
func handlePendingVerificationOnStartup(backend *flashbackend.FileBackend, sessLog *sessionlog.Log) {
	n, err := backend.RecordBootAttempt()
	if err != nil {
		log.Printf("%sWarning: failed to record boot attempt: %v", logPrefix(), err)
		return
	}
	log.Printf("%sStartup with pending-verification partition %s, boot attempt %d/%d", logPrefix(), backend.CurrentPartitionLabel(), n, *maxBootAttempts)

	if n > *maxBootAttempts {
		log.Printf("%sExceeded max boot attempts without confirmation, rolling back", logPrefix())
		if err := backend.Rollback(); err != nil {
			log.Printf("%sWarning: automatic rollback failed: %v", logPrefix(), err)
			return
		}
		if err := sessLog.Append(sessionlog.Record{
			StartedAtMs:  sessionlog.NowMs(),
			FinishedAtMs: sessionlog.NowMs(),
			Outcome:      sessionlog.OutcomeRolledBack,
			Detail:       "exceeded max boot attempts without confirmation",
		}); err != nil {
			log.Printf("%sWarning: failed to append session history: %v", logPrefix(), err)
		}
	}
}

// runReceiveLoop pumps bytes from tr through a frame.Decoder into rcv
// until ctx is cancelled, handling idle-timeout ticks and logging a
// session record each time the receiver returns to StateIdle after
// having been active.
func runReceiveLoop(ctx context.Context, tr transport.Transport, rcv *receiver.Receiver, sessLog *sessionlog.Log, rdb *redisbridge.Client) {
	dec := frame.NewDecoder(frame.MaxPayload)
	var readBuf [256]byte
	var sendBuf [frame.MaxFrame]byte
	var now int64
	sessionActive := false
	var sessionStarted int64

	send := func(msgType byte, payload []byte) {
		n, err := frame.Encode(msgType, payload, sendBuf[:])
		if err != nil {
			log.Printf("%sFailed to encode reply: %v", logPrefix(), err)
			return
		}
		if err := tr.Send(sendBuf[:n]); err != nil {
			log.Printf("%sFailed to send reply: %v", logPrefix(), err)
		}
	}

	publish := func() {
		if rdb == nil {
			return
		}
		if err := rdb.PublishProgress(rcv.State().String(), rcv.BytesReceived(), rcv.TotalBytes()); err != nil {
			log.Printf("%sWarning: failed to publish state to Redis: %v", logPrefix(), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := tr.Receive(readBuf[:], 200*time.Millisecond)
		if err != nil {
			log.Printf("%sTransport receive error: %v", logPrefix(), err)
			return
		}
		now += 200

		for i := 0; i < n; i++ {
			msgType, payload, complete, ferr := dec.Feed(readBuf[i])
			if ferr != nil || !complete {
				continue
			}

			if rcv.State() == receiver.StateIdle && !sessionActive {
				sessionActive = true
				sessionStarted = sessionlog.NowMs()
			}

			outs, handleErr := rcv.HandleFrame(msgType, payload, now)
			if handleErr != nil {
				log.Printf("%sFrame handling warning: %v", logPrefix(), handleErr)
			}
			for _, out := range outs {
				send(out.Type, out.Payload)
			}
			publish()
		}

		for _, out := range rcv.Tick(now) {
			send(out.Type, out.Payload)
		}

		if sessionActive && rcv.State() == receiver.StateIdle {
			sessionActive = false
			if err := sessLog.Append(sessionlog.Record{
				StartedAtMs:  sessionStarted,
				FinishedAtMs: sessionlog.NowMs(),
				TotalBytes:   rcv.TotalBytes(),
				Outcome:      sessionlog.OutcomeAborted,
			}); err != nil {
				log.Printf("%sWarning: failed to append session history: %v", logPrefix(), err)
			}
		}

		if rcv.RebootPending() {
			version := rcv.Version()
			log.Printf("%sUpdate to %s committed, awaiting confirm/rollback via Redis control list", logPrefix(), version)
			if err := sessLog.Append(sessionlog.Record{
				StartedAtMs:  sessionStarted,
				FinishedAtMs: sessionlog.NowMs(),
				Version:      version,
				TotalBytes:   rcv.TotalBytes(),
				Outcome:      sessionlog.OutcomePendingVerification,
			}); err != nil {
				log.Printf("%sWarning: failed to append session history: %v", logPrefix(), err)
			}
			sessionActive = false
			rcv.ClearRebootPending()
		}
	}
}

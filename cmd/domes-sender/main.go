// Command domes-sender pushes one firmware image to a DOMES receiver
// over a serial transport (or, with --simulate, against an in-process
// loopback receiver for demoing the protocol without hardware).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libredomes/domes/pkg/flashbackend"
	"github.com/libredomes/domes/pkg/frame"
	"github.com/libredomes/domes/pkg/receiver"
	"github.com/libredomes/domes/pkg/redisbridge"
	"github.com/libredomes/domes/pkg/sender"
	"github.com/libredomes/domes/pkg/sessionlog"
	"github.com/libredomes/domes/pkg/transport"
)

var (
	listPorts = flag.Bool("list-ports", false, "List available serial ports and exit")
	simulate  = flag.Bool("simulate", false, "Run against an in-process loopback receiver instead of a real port")
	baudRate  = flag.Int("baud", 115200, "Serial baud rate")
	redisAddr = flag.String("redis-addr", "", "Redis server address for progress publication (disabled if empty)")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
	podID     = flag.String("pod-id", "", "Identifier of the target pod, used to scope published Redis keys")
	history   = flag.String("history", "domes-sender-sessions.log", "Path to the local session history log")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <port> <firmware.bin> [version]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}
	port := args[0]
	firmwarePath := args[1]
	version := "0.0.0"
	if len(args) >= 3 {
		version = args[2]
	}

	image, err := os.ReadFile(firmwarePath)
	if err != nil {
		log.Fatalf("Failed to read firmware image %s: %v", firmwarePath, err)
	}
	log.Printf("Loaded firmware image %s (%d bytes), version %s", firmwarePath, len(image), version)

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
		log.Printf("Connected to Redis at %s", *redisAddr)
	}

	var tr transport.Transport
	var demoCleanup func()
	if *simulate {
		tr, demoCleanup = newSimulatedPeer()
		log.Printf("Running in --simulate mode against an in-process loopback receiver")
	} else {
		tr = transport.NewSerial(port, *baudRate)
	}
	if err := tr.Init(); err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	defer tr.Disconnect()
	if demoCleanup != nil {
		defer demoCleanup()
	}

	cfg := sender.DefaultConfig()
	startedAt := sessionlog.NowMs()
	cfg.OnProgress = func(bytesSent, totalBytes uint32, phase sender.Phase) {
		fmt.Printf("progress: phase=%s bytes=%d/%d\n", phase, bytesSent, totalBytes)
		if rdb != nil {
			if err := rdb.PublishProgress(phase.String(), bytesSent, totalBytes); err != nil {
				log.Printf("Warning: failed to publish progress to Redis: %v", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Signal received, cancelling session...")
		cancel()
	}()

	s := sender.New(tr, cfg)
	sendErr := s.Send(ctx, image, version)

	rec := sessionlog.Record{
		StartedAtMs:  startedAt,
		FinishedAtMs: sessionlog.NowMs(),
		Version:      version,
		TotalBytes:   uint32(len(image)),
	}
	if sendErr != nil {
		rec.Outcome = sessionlog.OutcomeFailed
		rec.Detail = sendErr.Error()
	} else {
		// The sender's job ends once END is ACKed; confirming the
		// partition is the receiver's own post-reboot self-test, which
		// this process does not observe.
		rec.Outcome = sessionlog.OutcomePendingVerification
	}
	if err := sessLog.Append(rec); err != nil {
		log.Printf("Warning: failed to append session history: %v", err)
	}

	if sendErr != nil {
		log.Fatalf("OTA session failed: %v", sendErr)
	}
	log.Printf("OTA session complete: %d bytes delivered, awaiting receiver confirmation", len(image))
}

// newSimulatedPeer wires a real pkg/receiver against a temporary
// pkg/flashbackend.FileBackend over the other half of a loopback pair,
// so --simulate exercises the full protocol end to end without any
// hardware (§4.6 supplement).
func newSimulatedPeer() (transport.Transport, func()) {
	senderSide, receiverSide := transport.NewLoopbackPair()

	dir, err := os.MkdirTemp("", "domes-sender-simulate-*")
	if err != nil {
		log.Fatalf("Failed to create simulated staging dir: %v", err)
	}
	backend, err := flashbackend.NewFileBackend(dir)
	if err != nil {
		log.Fatalf("Failed to create simulated flash backend: %v", err)
	}
	rcv := receiver.New(backend)

	if err := receiverSide.Init(); err != nil {
		log.Fatalf("Failed to initialize simulated receiver transport: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go runSimulatedGatewayd(receiverSide, rcv, stop, done)

	cleanup := func() {
		close(stop)
		<-done
		receiverSide.Disconnect()
		os.RemoveAll(dir)
	}
	return senderSide, cleanup
}

func runSimulatedGatewayd(tr transport.Transport, rcv *receiver.Receiver, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	dec := frame.NewDecoder(frame.MaxPayload)
	var readBuf [256]byte
	var sendBuf [frame.MaxFrame]byte
	var now int64

	send := func(msgType byte, payload []byte) {
		n, err := frame.Encode(msgType, payload, sendBuf[:])
		if err != nil {
			log.Printf("simulate: failed to encode reply: %v", err)
			return
		}
		if err := tr.Send(sendBuf[:n]); err != nil {
			log.Printf("simulate: failed to send reply: %v", err)
		}
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := tr.Receive(readBuf[:], 50*time.Millisecond)
		if err != nil {
			return
		}
		now += 50

		for i := 0; i < n; i++ {
			msgType, payload, complete, ferr := dec.Feed(readBuf[i])
			if ferr != nil || !complete {
				continue
			}
			outs, _ := rcv.HandleFrame(msgType, payload, now)
			for _, out := range outs {
				send(out.Type, out.Payload)
			}
		}

		for _, out := range rcv.Tick(now) {
			send(out.Type, out.Payload)
		}

		if rcv.RebootPending() {
			log.Printf("simulate: receiver committed update and is awaiting confirm (auto-confirming in --simulate mode)")
			if err := rcv.ConfirmFirmware(); err != nil {
				log.Printf("simulate: auto-confirm failed: %v", err)
			}
			rcv.ClearRebootPending()
		}
	}
}

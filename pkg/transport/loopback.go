package transport

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Loopback is an in-memory Transport over a pair of io.Pipes, used by
// tests, by domes-sender's --simulate mode and by domes-gatewayd's
// --transport=loopback, so a full BEGIN/DATA/END session can be
// exercised without any hardware (§4.6 supplement).
type Loopback struct {
	r io.ReadCloser
	w io.WriteCloser

	mu       sync.Mutex
	started  bool
	bytesCh  chan byte
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLoopbackPair returns two connected Loopback transports: bytes
// sent on one arrive on the other's Receive.
func NewLoopbackPair() (*Loopback, *Loopback) {
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	return &Loopback{r: aR, w: aW}, &Loopback{r: bR, w: bW}
}

func (l *Loopback) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("transport: loopback already initialized")
	}
	l.started = true
	l.bytesCh = make(chan byte, 4096)
	l.stopChan = make(chan struct{})

	l.wg.Add(1)
	go l.readLoop()
	return nil
}

func (l *Loopback) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, 256)
	for {
		n, err := l.r.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case l.bytesCh <- buf[i]:
			case <-l.stopChan:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	close(l.stopChan)
	l.r.Close()
	l.w.Close()
	l.wg.Wait()
	l.started = false
	return nil
}

func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Loopback) Send(data []byte) error {
	_, err := l.w.Write(data)
	return err
}

func (l *Loopback) Receive(buf []byte, timeout time.Duration) (int, error) {
	l.mu.Lock()
	ch := l.bytesCh
	l.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("transport: loopback not initialized")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	n := 0
	for n < len(buf) {
		select {
		case b := <-ch:
			buf[n] = b
			n++
		case <-timer.C:
			return n, nil
		}
	}
	return n, nil
}

func (l *Loopback) Flush() error { return nil }

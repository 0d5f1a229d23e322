package transport

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Serial is a Transport backed by a real UART, grounded directly on
// the teacher's pkg/usock connection lifecycle: open the port, run a
// single reader goroutine that pushes bytes into a channel, and close
// that goroutine down on Disconnect.
type Serial struct {
	devicePath string
	baudRate   int

	mu       sync.Mutex
	port     *serial.Port
	bytesCh  chan byte
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSerial returns a Serial transport for the given device path and
// baud rate. Init must be called before use.
func NewSerial(devicePath string, baudRate int) *Serial {
	return &Serial{devicePath: devicePath, baudRate: baudRate}
}

func (s *Serial) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return fmt.Errorf("transport: serial port already initialized")
	}

	cfg := &serial.Config{
		Name:        s.devicePath,
		Baud:        s.baudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("transport: open serial port %s: %w", s.devicePath, err)
	}

	s.port = port
	s.bytesCh = make(chan byte, 4096)
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.readLoop()

	return nil
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("transport: serial read error: %v", err)
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		for i := 0; i < n; i++ {
			select {
			case s.bytesCh <- buf[i]:
			case <-s.stopChan:
				return
			}
		}
	}
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	close(s.stopChan)
	s.wg.Wait()
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) Send(data []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return fmt.Errorf("transport: serial port not initialized")
	}
	if _, err := port.Write(data); err != nil {
		return fmt.Errorf("transport: serial write: %w", err)
	}
	return nil
}

func (s *Serial) Receive(buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	ch := s.bytesCh
	s.mu.Unlock()

	if ch == nil {
		return 0, fmt.Errorf("transport: serial port not initialized")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	n := 0
	for n < len(buf) {
		select {
		case b := <-ch:
			buf[n] = b
			n++
		case <-deadline.C:
			return n, nil
		}
	}
	return n, nil
}

func (s *Serial) Flush() error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return fmt.Errorf("transport: serial port not initialized")
	}
	return port.Flush()
}

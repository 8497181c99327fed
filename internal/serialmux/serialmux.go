// Serialmux provides an abstraction over the serial port of one ranging
// module. A single reader reassembles session notifications from the byte
// stream and fans them out to registered frame handlers and subscribers, while
// any number of clients may send commands to the module.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/notify"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrReadFailed  = errors.New("failed to read from serial port")
)

// DefaultReadTimeout bounds a single blocking read so Monitor notices
// cancellation promptly.
const DefaultReadTimeout = 50 * time.Millisecond

const readBufferSize = 4096

// FrameHandler receives every complete notification, on the Monitor
// goroutine.
type FrameHandler func(notify.Notification)

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to notifications from a single ranging module.
type SerialMux[T SerialPorter] struct {
	port        T
	name        string
	readTimeout time.Duration
	extractor   *notify.Extractor

	handlers  []FrameHandler
	handlerMu sync.RWMutex

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewSerialMux creates a SerialMux instance backed by port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		name:        "serial",
		readTimeout: DefaultReadTimeout,
		extractor:   notify.NewExtractor(),
		subscribers: make(map[string]chan string),
	}
}

// WithName sets the name used in logs.
func (s *SerialMux[T]) WithName(name string) *SerialMux[T] {
	s.name = name
	return s
}

// WithReadTimeout overrides DefaultReadTimeout. It only takes effect on ports
// implementing TimeoutSerialPorter.
func (s *SerialMux[T]) WithReadTimeout(d time.Duration) *SerialMux[T] {
	s.readTimeout = d
	return s
}

// Name returns the mux name.
func (s *SerialMux[T]) Name() string { return s.name }

// Stats returns the frame extractor counters.
func (s *SerialMux[T]) Stats() *notify.Stats { return s.extractor.Stats() }

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving the text of every notification. The
// id is passed to Unsubscribe.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) OnFrame(h FrameHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	monitoring.Tracef("%s: sent %q", s.name, strings.TrimSpace(command))
	return nil
}

// Monitor reads from the serial port and dispatches notifications. It returns
// ctx.Err() on cancellation, nil when the port reports end of stream or is
// closed, and an error wrapping ErrReadFailed when a read fails.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if tp, ok := any(s.port).(TimeoutSerialPorter); ok && s.readTimeout > 0 {
		if err := tp.SetReadTimeout(s.readTimeout); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}
	}

	chunks := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read will not interfere with our outer loop awaiting
	// chunks & context cancellation.
	go func() {
		defer close(chunks)
		buf := make([]byte, readBufferSize)
		for ctx.Err() == nil {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrChan <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			return s.readError(err)

		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-readErrChan:
					return s.readError(err)
				default:
				}
				return ctx.Err()
			}
			// Check if we're closing
			s.closingMu.Lock()
			closing := s.closing
			s.closingMu.Unlock()
			if closing {
				return nil
			}
			s.dispatch(chunk)
		}
	}
}

func (s *SerialMux[T]) readError(err error) error {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	if s.closing {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrReadFailed, s.name, err)
}

func (s *SerialMux[T]) dispatch(chunk []byte) {
	frames := s.extractor.Feed(chunk)
	if len(frames) == 0 {
		return
	}

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, f := range frames {
		monitoring.Tracef("%s: frame of %d bytes", s.name, len(f))
		for _, h := range handlers {
			h(f)
		}

		s.subscriberMu.Lock()
		for _, ch := range s.subscribers {
			select {
			case ch <- string(f):
			default:
				// if the channel is full/blocking skip so as not to block the reader
			}
		}
		s.subscriberMu.Unlock()
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

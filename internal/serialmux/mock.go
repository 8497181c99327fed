package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter standing in for a ranging
// module. Reads drain data queued with AddReadData; writes are recorded.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond
	in       bytes.Buffer
	out      bytes.Buffer
	closed   bool

	// BlockReads makes Read wait for data or Close instead of reporting
	// end of stream on an empty buffer.
	BlockReads bool
	// ReadTimeout is the last value passed to SetReadTimeout.
	ReadTimeout time.Duration
}

// NewTestableSerialPort returns an empty, open port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.BlockReads && !p.closed && p.in.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.in.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	return p.out.Write(b)
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (p *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = timeout
	return nil
}

// AddReadData queues data for subsequent reads.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(data)
	p.readCond.Signal()
}

// GetWrittenData returns everything written to the port.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// WrittenCommands returns the newline-terminated commands written so far,
// without their newlines.
func (p *TestableSerialPort) WrittenCommands() []string {
	text := strings.TrimSuffix(string(p.GetWrittenData()), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// IsClosed reports whether Close was called.
func (p *TestableSerialPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is returned from Open.
	Port SerialPorter
	// Error, if set, is returned from Open instead.
	Error error
	// OpenCalls records every Open call.
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

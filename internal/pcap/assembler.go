// Package pcap writes libpcap capture files for traces whose packet source
// may omit the link-layer header.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	// SnapLen is the snapshot length written to the file header.
	SnapLen = 0xFFFF
	// MaxFrameSize is the largest payload accepted by a single write.
	MaxFrameSize = 65356
	// DefaultLimit is the default cumulative size ceiling in bytes.
	DefaultLimit int64 = 100_000_000_000

	fileHeaderSize   = 24
	packetHeaderSize = 16
)

// StubEthernetHeader is prepended to payloads captured without a link-layer
// header: zero destination and source MACs followed by the IPv4 ethertype.
var StubEthernetHeader = [14]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08, 0x00}

// ErrFrameTooLarge is returned for payloads above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum packet size")

// ErrClosed is returned when writing to a closed assembler.
var ErrClosed = errors.New("assembler is closed")

// Option configures an Assembler.
type Option func(*Assembler)

// WithLimit sets the cumulative byte ceiling after which writes are dropped.
func WithLimit(limit int64) Option {
	return func(a *Assembler) {
		if limit > 0 {
			a.limit = limit
		}
	}
}

// WithEpoch sets the instant packet timestamps are measured from.
func WithEpoch(epoch time.Time) Option {
	return func(a *Assembler) {
		a.epoch = epoch
	}
}

// WithAppend keeps existing content when the target file is non-empty.
func WithAppend() Option {
	return func(a *Assembler) {
		a.appendMode = true
	}
}

func withClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// Assembler writes packets into a capture file.
type Assembler struct {
	mu         sync.Mutex
	out        io.Writer
	closer     io.Closer
	writer     *pcapgo.Writer
	epoch      time.Time
	start      time.Time
	limit      int64
	total      int64
	appendMode bool
	closed     bool
	now        func() time.Time
}

// Create opens path for writing. A file header is written unless WithAppend
// was given and path already holds data.
func Create(path string, options ...Option) (*Assembler, error) {
	a := newAssembler(options)

	writeHeader := true
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if a.appendMode {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			writeHeader = false
			a.total = info.Size()
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	// #nosec G304 -- path is a trace folder artifact chosen by the caller.
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file %q: %w", path, err)
	}
	a.out = file
	a.closer = file
	a.writer = pcapgo.NewWriter(file)

	if writeHeader {
		if err := a.writeHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return a, nil
}

// New writes a file header to w and returns an assembler over it.
func New(w io.Writer, options ...Option) (*Assembler, error) {
	if w == nil {
		return nil, errors.New("writer is required")
	}
	a := newAssembler(options)
	a.out = w
	a.writer = pcapgo.NewWriter(w)
	if closer, ok := w.(io.Closer); ok {
		a.closer = closer
	}
	if err := a.writeHeader(); err != nil {
		return nil, err
	}
	return a, nil
}

func newAssembler(options []Option) *Assembler {
	a := &Assembler{
		epoch: time.Unix(0, 0),
		limit: DefaultLimit,
		now:   time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(a)
		}
	}
	a.start = a.now()
	return a
}

func (a *Assembler) writeHeader() error {
	if err := a.writer.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write capture file header: %w", err)
	}
	a.total += fileHeaderSize
	return nil
}

// WritePayload writes payload[offset:offset+length] behind the stub Ethernet
// header. A zero ts is replaced by the time elapsed since the assembler
// opened. It returns false without error once the size ceiling is reached.
func (a *Assembler) WritePayload(payload []byte, offset, length int, ts time.Duration) (bool, error) {
	if payload == nil {
		return false, nil
	}
	if offset < 0 || length < 0 || offset+length > len(payload) {
		return false, fmt.Errorf("payload window [%d:%d] outside %d bytes", offset, offset+length, len(payload))
	}
	if length > MaxFrameSize {
		return false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	frame := make([]byte, 0, len(StubEthernetHeader)+length)
	frame = append(frame, StubEthernetHeader[:]...)
	frame = append(frame, payload[offset:offset+length]...)
	return a.write(frame, ts)
}

// WriteFrame writes a complete link-layer frame verbatim.
func (a *Assembler) WriteFrame(frame []byte, ts time.Duration) (bool, error) {
	if frame == nil {
		return false, nil
	}
	if len(frame) > MaxFrameSize {
		return false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return a.write(frame, ts)
}

func (a *Assembler) write(frame []byte, ts time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false, ErrClosed
	}
	if a.total > a.limit {
		return false, nil
	}
	if ts == 0 {
		ts = a.now().Sub(a.start)
	}

	info := gopacket.CaptureInfo{
		Timestamp:     a.epoch.Add(ts),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := a.writer.WritePacket(info, frame); err != nil {
		return false, fmt.Errorf("write packet: %w", err)
	}
	a.total += int64(len(frame) + packetHeaderSize)
	return true, nil
}

// Total returns the bytes written so far, headers included.
func (a *Assembler) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// LimitReached reports whether the size ceiling has been hit.
func (a *Assembler) LimitReached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total >= a.limit
}

// Close closes the underlying file. It is safe to call more than once.
func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.closer == nil {
		return nil
	}
	if err := a.closer.Close(); err != nil {
		return fmt.Errorf("close capture file: %w", err)
	}
	return nil
}

package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Frame format
// --------------------------------------------------------------------------

// FrameType identifies the payload of a frame
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameBootstrapEntry
	FrameEntry
	FrameBootstrapEnd
	FrameBatchEnd
	FrameAck
	FrameHeartbeat
)

const (
	// HeaderSize is the size of the frame header: type u8 | length u32 (big endian)
	HeaderSize = 5
	// MaxPayload is the largest payload a frame may carry
	MaxPayload = 64 << 20

	bufferSize = 64 * 1024
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "Hello"
	case FrameBootstrapEntry:
		return "BootstrapEntry"
	case FrameEntry:
		return "Entry"
	case FrameBootstrapEnd:
		return "BootstrapEnd"
	case FrameBatchEnd:
		return "BatchEnd"
	case FrameAck:
		return "Ack"
	case FrameHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

func (t FrameType) valid() bool {
	return t >= FrameHello && t <= FrameHeartbeat
}

// WriteFrame writes a single frame to w
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxPayload {
		return errors.Wrapf(db.ErrMalformedFrame, "%s payload of %d bytes exceeds %d", t, len(payload), MaxPayload)
	}
	var header [HeaderSize]byte
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a single frame from r. The payload is read into buf if it is large
// enough, so it is only valid until buf is reused.
func ReadFrame(r io.Reader, buf []byte) (FrameType, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	t := FrameType(header[0])
	if !t.valid() {
		return 0, nil, errors.Wrapf(db.ErrMalformedFrame, "unknown frame type %d", header[0])
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > MaxPayload {
		return 0, nil, errors.Wrapf(db.ErrMalformedFrame, "%s payload of %d bytes exceeds %d", t, n, MaxPayload)
	}

	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return t, buf, nil
}

// --------------------------------------------------------------------------
// Framed connection
// --------------------------------------------------------------------------

// Conn is a buffered, framed connection. Writes are serialized, so a sender and
// a receiver goroutine can share one Conn. Reads must happen on a single goroutine.
type Conn struct {
	conn net.Conn

	rmu sync.Mutex
	r   *bufio.Reader
	buf []byte

	wmu sync.Mutex
	w   *bufio.Writer

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewConn wraps an established connection
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		r:    bufio.NewReaderSize(c, bufferSize),
		w:    bufio.NewWriterSize(c, bufferSize),
	}
}

// Send writes a frame into the write buffer. Frames are written as a whole,
// concurrent Send calls never interleave.
func (c *Conn) Send(t FrameType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := WriteFrame(c.w, t, payload); err != nil {
		return transportError(err, "send %s", t)
	}
	c.bytesOut.Add(uint64(HeaderSize + len(payload)))
	return nil
}

// Flush writes buffered frames to the connection
func (c *Conn) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.w.Flush(); err != nil {
		return transportError(err, "flush")
	}
	return nil
}

// SendNow sends a frame and flushes
func (c *Conn) SendNow(t FrameType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := WriteFrame(c.w, t, payload); err != nil {
		return transportError(err, "send %s", t)
	}
	c.bytesOut.Add(uint64(HeaderSize + len(payload)))
	if err := c.w.Flush(); err != nil {
		return transportError(err, "flush")
	}
	return nil
}

// Receive reads the next frame. If timeout is positive the read must complete in time.
// The payload is only valid until the next call.
func (c *Conn) Receive(timeout time.Duration) (FrameType, []byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, transportError(err, "set read deadline")
		}
	}

	t, payload, err := ReadFrame(c.r, c.buf)
	if err != nil {
		if errors.Is(err, db.ErrMalformedFrame) {
			return 0, nil, err
		}
		return 0, nil, transportError(err, "receive")
	}
	if cap(payload) > cap(c.buf) && cap(payload) <= bufferSize*16 {
		c.buf = payload[:0]
	}
	c.bytesIn.Add(uint64(HeaderSize + len(payload)))
	return t, payload, nil
}

// BytesIn returns the number of bytes received
func (c *Conn) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut returns the number of bytes sent
func (c *Conn) BytesOut() uint64 { return c.bytesOut.Load() }

// RemoteAddr returns the address of the other side
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying connection. Pending reads and writes fail.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func transportError(err error, format string, args ...interface{}) error {
	return errors.CombineErrors(errors.Wrapf(db.ErrReplicationTransport, format, args...), err)
}

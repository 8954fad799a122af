// Package linechan implements the newline delimited JSON message channel used
// between the orchestrator, its workers and controllers.
package linechan

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/taskproto"
)

var log = logging.Logger("linechan")

var ErrClosed = errors.New("connection closed")

// MaxLineSize bounds the unterminated remainder kept between reads.
var MaxLineSize = 64 << 20

// FlushTimeout bounds how long Close waits for queued messages to be written.
var FlushTimeout = 5 * time.Second

const readChunk = 32 << 10

// Handler receives connection events. Connected and Disconnected are called
// exactly once per served connection, in that order, and every Message call
// happens between them on a single goroutine.
type Handler interface {
	Connected(c *Conn)
	// Message is called for every complete line. A non-nil error tears the
	// connection down.
	Message(c *Conn, msg taskproto.Message) error
	// Disconnected gets nil when the connection was closed cleanly by either side.
	Disconnected(c *Conn, err error)
}

type Conn struct {
	nc net.Conn
	h  Handler

	buf []byte // owned by the reader

	sendLk sync.Mutex
	sendQ  [][]byte
	wake   chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	written   chan struct{} // closed when the writer exited and nc is closed

	errLk sync.Mutex
	err   error
}

func NewConn(nc net.Conn, h Handler) *Conn {
	c := &Conn{
		nc:      nc,
		h:       h,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		written: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send queues the message for writing and returns without waiting for the peer.
func (c *Conn) Send(msg taskproto.Message) error {
	b, err := msg.Encode()
	if err != nil {
		return xerrors.Errorf("encoding message: %w", err)
	}

	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	c.sendLk.Lock()
	c.sendQ = append(c.sendQ, b)
	c.sendLk.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes queued messages and closes the underlying connection. It is
// safe to call any number of times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

// Closed is closed once the connection is fully torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.written
}

func (c *Conn) fail(err error) {
	c.errLk.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errLk.Unlock()
	_ = c.Close()
}

func (c *Conn) closeErr() error {
	c.errLk.Lock()
	defer c.errLk.Unlock()
	return c.err
}

// Serve runs the read loop until the connection goes away.
func (c *Conn) Serve() {
	c.h.Connected(c)

	chunk := make([]byte, readChunk)
	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			if ferr := c.Feed(chunk[:n]); ferr != nil {
				log.Warnw("tearing down connection", "remote", c.nc.RemoteAddr(), "error", ferr)
				c.fail(ferr)
				break
			}
		}
		if err != nil {
			select {
			case <-c.closing:
			default:
				if !errors.Is(err, io.EOF) {
					c.fail(xerrors.Errorf("reading: %w", err))
				}
			}
			_ = c.Close()
			break
		}
	}

	<-c.written
	c.h.Disconnected(c, c.closeErr())
}

// Feed appends data to the read buffer and dispatches every complete line.
// The unterminated tail is retained for the next call.
func (c *Conn) Feed(data []byte) error {
	c.buf = append(c.buf, data...)

	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(c.buf[:idx], "\r")
		c.buf = c.buf[idx+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := taskproto.Decode(line)
		if err != nil {
			return err
		}
		if err := c.h.Message(c, msg); err != nil {
			return err
		}
	}

	if len(c.buf) > MaxLineSize {
		return xerrors.Errorf("%w: line exceeds %d bytes", taskproto.ErrProtocol, MaxLineSize)
	}

	// don't pin the consumed prefix
	if len(c.buf) == 0 {
		c.buf = nil
	} else if cap(c.buf) > 2*len(c.buf)+readChunk {
		c.buf = append([]byte(nil), c.buf...)
	}
	return nil
}

func (c *Conn) writeLoop() {
	defer close(c.written)
	defer c.nc.Close() //nolint:errcheck

	for {
		select {
		case <-c.wake:
			if err := c.flush(); err != nil {
				c.fail(xerrors.Errorf("writing: %w", err))
				return
			}
		case <-c.closing:
			_ = c.nc.SetWriteDeadline(time.Now().Add(FlushTimeout))
			if err := c.flush(); err != nil {
				log.Debugw("dropping unflushed messages", "remote", c.nc.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

func (c *Conn) flush() error {
	for {
		c.sendLk.Lock()
		q := c.sendQ
		c.sendQ = nil
		c.sendLk.Unlock()

		if len(q) == 0 {
			return nil
		}
		for _, b := range q {
			if _, err := c.nc.Write(b); err != nil {
				return err
			}
		}
	}
}

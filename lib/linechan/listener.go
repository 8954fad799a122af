package linechan

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/xerrors"
)

// Listener accepts connections and serves each one with the same Handler.
type Listener struct {
	ln net.Listener
	h  Handler

	lk    sync.Mutex
	conns map[*Conn]struct{}
	done  bool

	wg sync.WaitGroup
}

func Listen(addr string, h Handler) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{
		ln:    ln,
		h:     h,
		conns: map[*Conn]struct{}{},
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts connections until Close is called.
func (l *Listener) Serve() error {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			l.lk.Lock()
			done := l.done
			l.lk.Unlock()
			if done || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return xerrors.Errorf("accept: %w", err)
		}

		c := NewConn(nc, l.h)

		l.lk.Lock()
		if l.done {
			l.lk.Unlock()
			_ = c.Close()
			continue
		}
		l.conns[c] = struct{}{}
		l.wg.Add(1)
		l.lk.Unlock()

		log.Debugw("accepted connection", "local", l.ln.Addr(), "remote", nc.RemoteAddr())

		go func() {
			defer l.wg.Done()
			c.Serve()

			l.lk.Lock()
			delete(l.conns, c)
			l.lk.Unlock()
		}()
	}
}

// Close stops accepting, closes every open connection and waits until their
// Disconnected hooks have returned.
func (l *Listener) Close() error {
	l.lk.Lock()
	if l.done {
		l.lk.Unlock()
		return nil
	}
	l.done = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.lk.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	l.wg.Wait()
	return err
}

package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// connPoolSize bounds the number of idle conns held per upstream address.
const connPoolSize = 10

// pooledConn wraps a connection with its idle timestamp for reuse decisions.
type pooledConn struct {
	conn      *dns.Conn
	idleSince time.Time
}

// connPool holds reusable TCP/TLS connections for a single upstream address.
// Automatic retries are out of scope, so a stale/broken connection is
// discarded and its error surfaced rather than silently retried.
type connPool struct {
	client              *dns.Client
	addr                string
	ch                  chan *pooledConn
	idleTimeout         time.Duration
	validateBeforeReuse bool
	drained             atomic.Bool
}

func newConnPool(client *dns.Client, addr string, idleTimeout time.Duration, validateBeforeReuse bool) *connPool {
	return &connPool{
		client:              client,
		addr:                addr,
		ch:                  make(chan *pooledConn, connPoolSize),
		idleTimeout:         idleTimeout,
		validateBeforeReuse: validateBeforeReuse,
	}
}

// validateConn checks if a pooled connection is still alive via a
// short-deadline peek read. EOF means dead; timeout or unknown means alive.
func (p *connPool) validateConn(pc *pooledConn) bool {
	if pc == nil || pc.conn == nil || pc.conn.Conn == nil {
		return false
	}
	underlying := pc.conn.Conn
	underlying.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
	buf := make([]byte, 1)
	n, err := underlying.Read(buf)
	underlying.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return true
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) && netErr.Err != nil && errors.Is(netErr.Err, os.ErrDeadlineExceeded) {
			return true
		}
		return true
	}
	if n > 0 {
		pc.conn.Conn = &peekBackConn{Conn: underlying, peeked: buf[:n]}
	}
	return true
}

// peekBackConn wraps net.Conn to return a previously peeked byte before
// reading from the underlying connection.
type peekBackConn struct {
	net.Conn
	peeked []byte
	reader *bufio.Reader
}

func (p *peekBackConn) Read(b []byte) (n int, err error) {
	if len(p.peeked) > 0 {
		n = copy(b, p.peeked)
		p.peeked = p.peeked[n:]
		return n, nil
	}
	if p.reader == nil {
		p.reader = bufio.NewReader(p.Conn)
	}
	return p.reader.Read(b)
}

func (p *connPool) getConn(dialCtx dialFunc) (conn *dns.Conn, fromPool bool) {
	select {
	case pc := <-p.ch:
		if pc == nil || pc.conn == nil {
			break
		}
		if p.idleTimeout > 0 && time.Since(pc.idleSince) > p.idleTimeout {
			pc.conn.Close()
		} else if p.validateBeforeReuse && !p.validateConn(pc) {
			pc.conn.Close()
		} else {
			return pc.conn, true
		}
	default:
	}
	conn, err := dialCtx(p.addr)
	if err != nil {
		return nil, false
	}
	return conn, false
}

type dialFunc func(addr string) (*dns.Conn, error)

func (p *connPool) putConn(conn *dns.Conn, hadError bool) {
	if hadError || conn == nil {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if p.drained.Load() {
		conn.Close()
		return
	}
	pc := &pooledConn{conn: conn, idleSince: time.Now()}
	select {
	case p.ch <- pc:
	default:
		conn.Close()
	}
}

// drain closes every pooled connection and marks the pool so concurrent
// putConn calls close rather than return connections.
func (p *connPool) drain() {
	p.drained.Store(true)
	for {
		select {
		case pc := <-p.ch:
			if pc != nil && pc.conn != nil {
				pc.conn.Close()
			}
		default:
			return
		}
	}
}

package transport

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("transport")

// Listen creates a TCP listener on addr. Port 0 picks a free port.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, transportError(err, "listen on %s", addr)
	}
	log.Infof("listening for replication peers on %s", l.Addr())
	return l, nil
}

// Dial connects to addr and applies the socket options.
func Dial(ctx context.Context, addr string, conf common.SocketConf) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportError(err, "dial %s", addr)
	}
	if err := UpgradeConnection(c, conf); err != nil {
		_ = c.Close()
		return nil, transportError(err, "configure connection to %s", addr)
	}
	return NewConn(c), nil
}

// Accept waits for the next connection on l and applies the socket options.
func Accept(l net.Listener, conf common.SocketConf) (*Conn, error) {
	c, err := l.Accept()
	if err != nil {
		return nil, transportError(err, "accept")
	}
	if err := UpgradeConnection(c, conf); err != nil {
		log.Warningf("configure connection from %s: %v", c.RemoteAddr(), err)
	}
	return NewConn(c), nil
}

// UpgradeConnection applies performance optimizations to a TCP connection
// using configuration values from TCPConf and SocketConf
func UpgradeConnection(conn net.Conn, conf common.SocketConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(conf.TCPNoDelay); err != nil {
		return err
	}

	if conf.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(conf.WriteBufferSize); err != nil {
			return err
		}
	}

	if conf.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(conf.ReadBufferSize); err != nil {
			return err
		}
	}

	if conf.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(conf.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	// negative keeps the system default
	if conf.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(conf.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

package tcp

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/ValentinKolb/rfcunit/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", endpoint)
}

// UpgradeConnection applies the socket options of the client config
func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return applySocketOptions(tcpConn, config.Transport.TCPNoDelay, config.Transport.TCPKeepAliveSec,
		-1, config.Transport.WriteBufferSize, config.Transport.ReadBufferSize)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPClientTransport creates a new TCP client transport
func NewTCPClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}

// applySocketOptions sets the TCP options shared by client and server, a negative linger keeps the OS default
func applySocketOptions(tcpConn *net.TCPConn, noDelay bool, keepAliveSec, lingerSec, writeBuffer, readBuffer int) error {
	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(noDelay); err != nil {
		return err
	}

	// Set socket write buffer size if configured
	if writeBuffer > 0 {
		if err := tcpConn.SetWriteBuffer(writeBuffer); err != nil {
			return err
		}
	}

	// Set socket read buffer size if configured
	if readBuffer > 0 {
		if err := tcpConn.SetReadBuffer(readBuffer); err != nil {
			return err
		}
	}

	// Enable TCP keep-alive if configured
	if keepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(keepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if lingerSec >= 0 {
		if err := tcpConn.SetLinger(lingerSec); err != nil {
			return err
		}
	}

	return nil
}

package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/serializer"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
)

// closeTimeout bounds the logoff sent when a connection is closed
const closeTimeout = 2 * time.Second

// TransportFactory creates an unconnected client transport.
type TransportFactory func() transport.IRPCClientTransport

// NewConnector creates an rfc.IConnector opening connections through transports
// created by newTransport. Every connection owns one transport and one session.
//
// Usage:
//
//	connector := client.NewConnector(config, tcp.NewTCPClientTransport, serializer.NewBinarySerializer())
//	pool := rfc.NewPool(connector, params, 4)
//	defer pool.Close()
func NewConnector(config common.ClientConfig, newTransport TransportFactory, serializer serializer.IRPCSerializer) rfc.IConnector {
	return &connector{
		config:       config,
		newTransport: newTransport,
		serializer:   serializer,
	}
}

type connector struct {
	config       common.ClientConfig
	newTransport TransportFactory
	serializer   serializer.IRPCSerializer
}

func (c *connector) Open(ctx context.Context, params rfc.ConnectionParams) (rfc.IConnection, error) {
	client, err := params.ClientNumber()
	if err != nil {
		return nil, err
	}

	t := c.newTransport()
	if err := t.Connect(c.config); err != nil {
		return nil, rfc.NewError(rfc.KindCommunication, err.Error())
	}

	req, err := common.NewOpenRequest(params)
	if err != nil {
		_ = t.Close()
		return nil, rfc.NewError(rfc.KindLogon, err.Error())
	}
	resp, err := invokeRPCRequest(ctx, client, req, t, c.serializer)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if resp.Session == "" {
		_ = t.Close()
		return nil, rfc.NewError(rfc.KindProtocol, "logon response without session")
	}

	conn := &connection{
		client:     client,
		session:    resp.Session,
		transport:  t,
		serializer: c.serializer,
	}
	conn.alive.Store(true)
	Logger.Debugf("opened session for %s on client %03d", params[rfc.ParamUser], client)
	return conn, nil
}

// connection is one logged on session
type connection struct {
	client     uint64
	session    string
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer

	alive     atomic.Bool
	closeOnce sync.Once
}

// --------------------------------------------------------------------------
// Interface Methods (docu see rfc.IConnection)
// --------------------------------------------------------------------------

func (c *connection) Call(ctx context.Context, function string, params rfc.Parameters) (rfc.Parameters, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	req, err := common.NewCallRequest(c.session, function, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Parameters()
}

func (c *connection) Ping(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	_, err := c.invoke(ctx, common.NewPingRequest(c.session))
	return err
}

func (c *connection) Alive() bool {
	return c.alive.Load()
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		wasAlive := c.alive.Swap(false)
		if wasAlive {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if _, lerr := invokeRPCRequest(ctx, c.client, common.NewCloseRequest(c.session), c.transport, c.serializer); lerr != nil {
				Logger.Debugf("logoff failed: %v", lerr)
			}
			cancel()
		}
		err = c.transport.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *connection) usable() error {
	if !c.alive.Load() {
		return rfc.NewErrorCode(rfc.KindCommunication, rfc.RcClosed, "connection is closed or broken")
	}
	return nil
}

// invoke sends req and marks the connection dead after faults that leave the
// session in an unknown state
func (c *connection) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	resp, err := invokeRPCRequest(ctx, c.client, req, c.transport, c.serializer)
	if err != nil {
		switch rfc.KindOf(err) {
		case rfc.KindCommunication, rfc.KindProtocol, rfc.KindLogon:
			c.alive.Store(false)
		}
	}
	return resp, err
}

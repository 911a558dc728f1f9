// Package client implements the calling side of the RPC layer.
//
// NewConnector returns an rfc.IConnector. Every connection it opens creates its
// own transport, logs on with an Open request and keeps the returned session for
// all further Call and Ping requests. Close sends a best effort logoff.
//
// Failures are mapped to the error taxonomy of lib/rfc:
//
//   - a request that was sent but not answered in time is a Timeout, its outcome is unknown
//   - any other transport failure is a CommunicationFailure
//   - errors reported by the endpoint keep the kind the endpoint gave them
//
// After a communication, protocol or logon fault the connection reports
// Alive() == false so a pool discards it. Requests are never repeated here.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Transport:     common.ClientTransportConfig{Endpoints: []string{"localhost:3300"}},
//	  TimeoutSecond: 5,
//	}
//	connector := client.NewConnector(config, tcp.NewTCPClientTransport, serializer.NewBinarySerializer())
//	pool := rfc.NewPool(connector, rfc.ConnectionParams{"user": "alice", "passwd": "secret", "client": "100"}, 4)
//	defer pool.Close()
//
//	res, err := pool.Call(ctx, "STFC_CONNECTION", rfc.Parameters{"REQUTEXT": "hello"})
package client

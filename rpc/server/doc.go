// Package server implements the endpoint side of the RPC layer.
//
// An RPCServer hosts one endpoint.Endpoint per configured client number. The
// client number doubles as the shard id of every transport frame, so a single
// listener can serve several clients. Requests are decoded with the configured
// serializer and handed to an IRPCServerAdapter, which maps Open, Close, Ping
// and Call messages to Logon, Logoff, Ping and Call of the endpoint.
//
// On Serve the server opens the shared transition log and the logon and
// authorization guard, creates a badger backed store per client (in memory or
// below DataDir), recovers units left IN_PROCESS and finally blocks in the
// transport's Listen. When MetricsEndpoint is set the VictoriaMetrics counters of
// all endpoints are served at /metrics.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards:    []common.ServerShard{{Client: 100, Storage: common.ShardStorageDisk}},
//	  Transport: common.ServerTransportConfig{Endpoint: "0.0.0.0:3300"},
//	  DataDir:   "/var/lib/rfcunit",
//	  TLogPath:  "/var/lib/rfcunit/tlog.db",
//	  LogLevel:  "info",
//	}
//
//	s := server.NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer())
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	Requests are handled concurrently; Serve must be called only once.
package server

package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ShardStorage selects where an endpoint keeps its unit records.
type ShardStorage string

const (
	ShardStorageMemory ShardStorage = "memory"
	ShardStorageDisk   ShardStorage = "disk"
)

// ServerShard is one endpoint hosted by the server, addressed by its client number.
type ServerShard struct {
	// Client is the client number the endpoint answers for, it is the shard id on the wire
	Client uint64
	// Storage selects the storage engine of the endpoint
	Storage ShardStorage
}

// ServerTransportConfig holds the transport level settings of the server.
type ServerTransportConfig struct {
	Endpoint        string
	WorkersPerConn  int
	BufferSize      int
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// ServerConfig holds all configuration parameters of the endpoint server.
type ServerConfig struct {
	Shards    []ServerShard
	Transport ServerTransportConfig

	// request timeout of the transport, 0 disables it
	TimeoutSecond int64

	// storage
	DataDir  string
	TLogPath string
	// finished units are pruned from the transition log after this many seconds, 0 keeps them
	TLogRetentionSecond uint64

	// logon and authorization, empty paths disable the check
	UsersFile   string
	PolicyFile  string
	WatchPolicy bool

	// unit processing
	SessionIdleSecond      uint64
	ConfirmRetentionSecond uint64
	AsyncWorkers           int

	// metrics endpoint, empty disables it
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	orDisabled := func(value string) string {
		if value == "" {
			return "(disabled)"
		}
		return value
	}

	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Connection", strconv.Itoa(c.Transport.WorkersPerConn))
	addField("Metrics Endpoint", orDisabled(c.MetricsEndpoint))

	addSection("Units")
	addField("Session Idle Timeout", fmt.Sprintf("%d sec", c.SessionIdleSecond))
	addField("Confirm Retention", fmt.Sprintf("%d sec", c.ConfirmRetentionSecond))
	addField("Async Workers", strconv.Itoa(c.AsyncWorkers))

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Transaction Log", orDisabled(c.TLogPath))
	if c.TLogPath != "" {
		addField("Transaction Log Retention", fmt.Sprintf("%d sec", c.TLogRetentionSecond))
	}

	addSection("Security")
	addField("Users File", orDisabled(c.UsersFile))
	addField("Policy File", orDisabled(c.PolicyFile))
	addField("Watch Policy", strconv.FormatBool(c.WatchPolicy))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Clients")
	for _, shard := range c.Shards {
		addField(strconv.FormatUint(shard.Client, 10), string(shard.Storage))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the transport level settings of the client.
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	TCPNoDelay             bool
	TCPKeepAliveSec        int
	WriteBufferSize        int
	ReadBufferSize         int
}

type ClientConfig struct {
	Transport     ClientTransportConfig
	TimeoutSecond int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

package serve

import (
	"fmt"
	"strconv"
	"strings"

	cmdUtil "github.com/ValentinKolb/rfcunit/cmd/util"
	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/server"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/ValentinKolb/rfcunit/rpc/transport/http"
	"github.com/ValentinKolb/rfcunit/rpc/transport/jsonrpc"
	"github.com/ValentinKolb/rfcunit/rpc/transport/tcp"
	"github.com/ValentinKolb/rfcunit/rpc/transport/unix"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the rfcunit endpoint server",
		Long:    `Start the endpoint server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is RFCUNIT_<flag> (e.g. RFCUNIT_SESSION_IDLE=600)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "clients"
	ServeCmd.PersistentFlags().String(key, "100=memory", cmdUtil.WrapString("Comma-separated list of logon clients to serve. Format: CLIENT=STORAGE where STORAGE is one of: memory, disk"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:3300", cmdUtil.WrapString("The address on which the server will listen (e.g. localhost:3300, /tmp/rfcunit.sock, ...)"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Maximum number of requests handled concurrently per connection (tcp and unix only)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("Timeout in seconds of a single request, 0 disables it"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory of the disk storage of all clients"))

	key = "tlog"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the SQLite transaction log recording unit transitions. Empty disables the log and RFC_UNIT_HISTORY"))

	key = "tlog-retention"
	ServeCmd.PersistentFlags().Uint64(key, 604800, cmdUtil.WrapString("Seconds the transitions of confirmed or destroyed units are kept in the transaction log, 0 keeps them forever"))

	key = "users"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the users file checked on logon. Empty accepts every user"))

	key = "policy"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the authorization policy. Empty allows every function"))

	key = "watch-policy"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Reload the policy when the file changes"))

	key = "session-idle"
	ServeCmd.PersistentFlags().Uint64(key, 900, cmdUtil.WrapString("Seconds a session may stay idle before it is closed, 0 keeps sessions forever"))

	key = "confirm-retention"
	ServeCmd.PersistentFlags().Uint64(key, 86400, cmdUtil.WrapString("Seconds a confirmed unit is kept before it is collected"))

	key = "async-workers"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Number of goroutines processing the asynchronous queues of one client"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the Prometheus metrics endpoint (e.g. localhost:9100). Empty disables it"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	shards, err := parseClients(viper.GetString("clients"))
	if err != nil {
		return err
	}
	serveCmdConfig.Shards = shards

	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		WorkersPerConn: viper.GetInt("workers-per-conn"),
		TCPNoDelay:     true,
	}
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TLogPath = viper.GetString("tlog")
	serveCmdConfig.TLogRetentionSecond = viper.GetUint64("tlog-retention")
	serveCmdConfig.UsersFile = viper.GetString("users")
	serveCmdConfig.PolicyFile = viper.GetString("policy")
	serveCmdConfig.WatchPolicy = viper.GetBool("watch-policy")
	serveCmdConfig.SessionIdleSecond = viper.GetUint64("session-idle")
	serveCmdConfig.ConfirmRetentionSecond = viper.GetUint64("confirm-retention")
	serveCmdConfig.AsyncWorkers = viper.GetInt("async-workers")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// parseClients parses the CLIENT=STORAGE list of the --clients flag
func parseClients(value string) ([]common.ServerShard, error) {
	var shards []common.ServerShard
	for _, entry := range strings.Split(value, ",") {
		parts := strings.Split(entry, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid client format: %s (expected CLIENT=STORAGE)", entry)
		}

		client, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil || client > 999 {
			return nil, fmt.Errorf("invalid client %s: expected a number between 000 and 999", parts[0])
		}

		storage := common.ShardStorage(strings.TrimSpace(parts[1]))
		switch storage {
		case common.ShardStorageMemory, common.ShardStorageDisk:
		default:
			return nil, fmt.Errorf("invalid storage: %s (expected one of: memory, disk)", storage)
		}

		shards = append(shards, common.ServerShard{Client: client, Storage: storage})
	}
	return shards, nil
}

// run starts the server and closes it when the command context is cancelled
func run(cmd *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer(viper.GetString("serializer"))
	if err != nil {
		return err
	}

	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	case "jsonrpc":
		t = jsonrpc.NewJSONRPCServerTransport()
	case "tcp":
		t = tcp.NewTCPServerTransport()
	case "unix":
		t = unix.NewUnixServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, s)

	ctx := cmd.Context()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		server.Logger.Infof("shutting down")
		if err := serv.Close(); err != nil {
			server.Logger.Errorf("shutdown: %v", err)
		}
	}()

	err = serv.Serve()
	if ctx.Err() != nil {
		// the stores must be closed before the process exits
		<-closed
	}
	return err
}

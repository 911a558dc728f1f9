package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/rpc/client"
	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/serializer"
	"github.com/ValentinKolb/rfcunit/rpc/transport/http"
	"github.com/ValentinKolb/rfcunit/rpc/transport/jsonrpc"
	"github.com/ValentinKolb/rfcunit/rpc/transport/tcp"
	"github.com/ValentinKolb/rfcunit/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the cli
	EnvPrefix = "rfcunit"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables with the RFCUNIT_ prefix
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// InitLogging applies the --log-level flag to all package loggers
func InitLogging() error {
	return common.InitLoggers(viper.GetString("log-level"))
}

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds connection and logon flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of a single remote call"))

	key = "transport-endpoints"
	cmd.PersistentFlags().String(key, "http://localhost:3300", WrapString("The address of the rfcunit server. For transports that support load balancing, multiple endpoints can be specified as a comma-separated list"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint - for transports that support this feature"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry a request that never reached the wire"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB, ignored for http)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB, ignored for http)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval in seconds (tcp only)"))

	key = "client"
	cmd.PersistentFlags().String(key, "100", WrapString("The three digit logon client, it selects the endpoint on the server"))

	key = "user"
	cmd.PersistentFlags().String(key, "", WrapString("The logon user"))

	key = "passwd"
	cmd.PersistentFlags().String(key, "", WrapString("The logon password"))

	key = "lang"
	cmd.PersistentFlags().String(key, "EN", WrapString("The logon language"))

	key = "pool-size"
	cmd.PersistentFlags().Int(key, 4, WrapString("Maximum number of open connections"))

	key = "dest"
	cmd.PersistentFlags().String(key, "", WrapString("Name of a destination in the destinations file. Its settings replace the connection and logon flags"))

	key = "dest-file"
	cmd.PersistentFlags().String(key, "destinations.yaml", WrapString("Path of the YAML destinations file"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond: viper.GetInt("timeout"),
		Transport: common.ClientTransportConfig{
			RetryCount:             viper.GetInt("transport-retries"),
			Endpoints:              strings.Split(viper.GetString("transport-endpoints"), ","),
			ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
			WriteBufferSize:        viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:         viper.GetInt("transport-read-buffer") * 1024,
			TCPKeepAliveSec:        viper.GetInt("transport-tcp-keepalive"),
			TCPNoDelay:             viper.GetBool("transport-tcp-nodelay"),
		},
	}
}

// GetConnectionParams reads the logon parameters from viper
func GetConnectionParams() rfc.ConnectionParams {
	params := rfc.ConnectionParams{}
	for flag, param := range map[string]string{
		"client": rfc.ParamClient,
		"user":   rfc.ParamUser,
		"passwd": rfc.ParamPassword,
		"lang":   rfc.ParamLang,
	} {
		if v := viper.GetString(flag); v != "" {
			params[param] = v
		}
	}
	return params
}

// GetSerializer creates the serializer with the given name
func GetSerializer(name string) (serializer.IRPCSerializer, error) {
	switch name {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", name)
	}
}

// GetTransportFactory returns the constructor of the client transport with the given name
func GetTransportFactory(name string) (client.TransportFactory, error) {
	switch name {
	case "http":
		return http.NewHttpClientTransport, nil
	case "jsonrpc":
		return jsonrpc.NewJSONRPCClientTransport, nil
	case "tcp":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", name)
	}
}

// NewPool builds a connection pool from the flags, or from the destination named by --dest
func NewPool() (*rfc.Pool, error) {
	config := GetClientConfig()
	params := GetConnectionParams()
	transportName := viper.GetString("transport")
	serializerName := viper.GetString("serializer")
	size := viper.GetInt("pool-size")

	if name := viper.GetString("dest"); name != "" {
		dests, err := common.LoadDestinations(viper.GetString("dest-file"))
		if err != nil {
			return nil, err
		}
		dest, err := dests.Lookup(name)
		if err != nil {
			return nil, err
		}
		destConfig := dest.ClientConfig()
		if destConfig.TimeoutSecond == 0 {
			destConfig.TimeoutSecond = config.TimeoutSecond
		}
		destConfig.Transport.RetryCount = config.Transport.RetryCount
		config = &destConfig
		params = dest.ConnectionParams()
		if dest.Transport != "" {
			transportName = dest.Transport
		}
		if dest.Serializer != "" {
			serializerName = dest.Serializer
		}
		if dest.PoolSize > 0 {
			size = dest.PoolSize
		}
	}

	s, err := GetSerializer(serializerName)
	if err != nil {
		return nil, err
	}
	newTransport, err := GetTransportFactory(transportName)
	if err != nil {
		return nil, err
	}

	return rfc.NewPool(client.NewConnector(*config, newTransport, s), params, size), nil
}

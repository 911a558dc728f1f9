package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/rfcunit/cmd/client"
	"github.com/ValentinKolb/rfcunit/cmd/serve"
	"github.com/ValentinKolb/rfcunit/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rfcunit",
		Short: "background RFC units of work",
		Long: fmt.Sprintf(`rfcunit (v%s)

Send units of work to an RFC endpoint with exactly-once semantics,
and serve such endpoints backed by an embedded key-value store.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rfcunit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rfcunit v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.Commands...)
	RootCmd.AddCommand(versionCmd)

	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "http", util.WrapString("transport to use (http, jsonrpc, tcp, unix)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("level at which logs are written to stderr (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// The command context is cancelled on SIGINT or SIGTERM.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

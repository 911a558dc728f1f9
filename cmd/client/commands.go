package client

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/rfcunit/cmd/util"
	"github.com/spf13/cobra"
)

var (
	callParams []string

	pingCmd = &cobra.Command{
		Use:                "ping",
		Short:              "Log on and check that the endpoint answers",
		Args:               cobra.NoArgs,
		PersistentPreRunE:  setupPool,
		PersistentPostRunE: closePool,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			if err := pool.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("pong (%s)\n", time.Since(start))
			return nil
		},
	}

	callCmd = &cobra.Command{
		Use:   "call [function]",
		Short: "Call a remote function directly",
		Long: `Call a remote function outside of any unit and print the returned parameters.
Parameter values are parsed as JSON and passed as strings when they are not valid JSON.

Example:
  rfcunit call STFC_CONNECTION -p REQUTEXT=hello`,
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  setupPool,
		PersistentPostRunE: closePool,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(callParams)
			if err != nil {
				return err
			}
			res, err := pool.Call(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
)

func init() {
	callCmd.Flags().StringArrayVarP(&callParams, "param", "p", nil, util.WrapString("Call parameter as KEY=VALUE, can be repeated"))
}

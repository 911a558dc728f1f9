package client

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/rfcunit/cmd/util"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
)

var Logger = logger.GetLogger("cli")

var (
	// pool is opened before and closed after every client command
	pool *rfc.Pool

	// Commands are the client commands added to the root command
	Commands = []*cobra.Command{pingCmd, callCmd, UnitCommands, perfCmd}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	for _, cmd := range Commands {
		util.SetupRPCClientFlags(cmd)
	}
}

// setupPool initializes logging and the connection pool
func setupPool(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	p, err := util.NewPool()
	if err != nil {
		return err
	}
	pool = p
	return nil
}

func closePool(_ *cobra.Command, _ []string) error {
	if pool == nil {
		return nil
	}
	return pool.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseValue decodes value as JSON and falls back to the plain string
func parseValue(value string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return value
	}
	return v
}

// parseParams converts KEY=VALUE pairs into call parameters
func parseParams(pairs []string) (rfc.Parameters, error) {
	params := rfc.Parameters{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected KEY=VALUE)", pair)
		}
		params[strings.ToUpper(key)] = parseValue(value)
	}
	return params, nil
}

// printJSON writes v indented to stdout
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

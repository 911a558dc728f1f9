package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/rfcunit/cmd/util"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/lib/tlog"
	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	units   *unit.Client
	journal *tlog.Log

	// UnitCommands represents the unit command group
	UnitCommands = &cobra.Command{
		Use:                "unit",
		Short:              "Send and manage units of work",
		PersistentPreRunE:  setupUnitClient,
		PersistentPostRunE: closeUnitClient,
	}

	sendCmd = &cobra.Command{
		Use:   "send [function[:json]]...",
		Short: "Send calls as one unit of work",
		Long: `Initialize a unit, queue one call per argument and submit it. The parameters of
a call follow the function name as a JSON object.

Example:
  rfcunit unit send 'STFC_WRITE_TO_TCPIC:{"TCPICDAT":[{"LINE":"a"}]}' --wait --confirm`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSend,
	}

	stateCmd = &cobra.Command{
		Use:   "state [id]",
		Short: "Print the state of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := units.GetState(cmd.Context(), unit.Identifier(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}

	confirmCmd = &cobra.Command{
		Use:   "confirm [id]",
		Short: "Acknowledge the outcome of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := units.Confirm(cmd.Context(), unit.Identifier(args[0])); err != nil {
				return err
			}
			fmt.Println("confirmed")
			return nil
		},
	}

	destroyCmd = &cobra.Command{
		Use:   "destroy [id]",
		Short: "Discard a unit regardless of its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := units.Destroy(cmd.Context(), unit.Identifier(args[0])); err != nil {
				return err
			}
			fmt.Println("destroyed")
			return nil
		},
	}

	pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "List units of the local journal that were submitted but never confirmed",
		Long: `List the units whose latest journal entry is SUBMITTED or UNCERTAIN together with
their current state on the endpoint. Requires --journal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if journal == nil {
				return fmt.Errorf("pending requires --journal")
			}
			events, err := journal.Latest(cmd.Context(), unit.JournalSubmitted, unit.JournalUncertain)
			if err != nil {
				return err
			}
			for _, ev := range events {
				state, err := units.GetState(cmd.Context(), unit.Identifier(ev.UnitID))
				if err != nil {
					return fmt.Errorf("unit %s: %w", ev.UnitID, err)
				}
				fmt.Printf("%s  %-10s %-12s %s\n", ev.At.Local().Format(time.RFC3339), ev.State, state, ev.UnitID)
			}
			return nil
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history [id]",
		Short: "Print the recorded transitions of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := units.History(cmd.Context(), unit.Identifier(args[0]))
			if err != nil {
				return err
			}
			for _, h := range history {
				fmt.Printf("%s  %-12s %s\n", h.At.Local().Format(time.RFC3339), h.State, h.Note)
			}
			return nil
		},
	}
)

func init() {
	UnitCommands.AddCommand(sendCmd)
	UnitCommands.AddCommand(stateCmd)
	UnitCommands.AddCommand(confirmCmd)
	UnitCommands.AddCommand(destroyCmd)
	UnitCommands.AddCommand(historyCmd)
	UnitCommands.AddCommand(pendingCmd)

	key := "journal"
	UnitCommands.PersistentFlags().String(key, "", util.WrapString("Path of a local SQLite journal recording the transitions of sent units"))

	key = "queue"
	sendCmd.Flags().String(key, "", util.WrapString("Send the unit asynchronously through the named queue"))
	key = "sync"
	sendCmd.Flags().Bool(key, false, util.WrapString("Run the calls synchronously in order as one transaction (default unless --queue is set)"))
	key = "classic"
	sendCmd.Flags().Bool(key, false, util.WrapString("Use a 24 digit transactional identifier instead of a background unit"))
	key = "wait"
	sendCmd.Flags().Bool(key, false, util.WrapString("Poll the unit until it is committed or rolled back"))
	key = "wait-interval"
	sendCmd.Flags().Duration(key, 200*time.Millisecond, util.WrapString("Polling interval of --wait"))
	key = "confirm"
	sendCmd.Flags().Bool(key, false, util.WrapString("Confirm the unit once it finished, implies --wait"))
	key = "tcode"
	sendCmd.Flags().String(key, "", util.WrapString("Transaction code recorded with the unit"))
	key = "program"
	sendCmd.Flags().String(key, "rfcunit", util.WrapString("Program name recorded with the unit"))
}

func setupUnitClient(cmd *cobra.Command, args []string) error {
	if err := setupPool(cmd, args); err != nil {
		return err
	}

	var opts []unit.Option
	if timeout := viper.GetInt("timeout"); timeout > 0 {
		opts = append(opts, unit.WithTimeout(time.Duration(timeout)*time.Second))
	}
	if path := viper.GetString("journal"); path != "" {
		j, err := tlog.Open(path)
		if err != nil {
			return err
		}
		journal = j
		opts = append(opts, unit.WithJournal(j))
	}

	units = unit.NewClient(pool, opts...)
	return nil
}

func closeUnitClient(cmd *cobra.Command, args []string) error {
	err := closePool(cmd, args)
	if journal != nil {
		if jerr := journal.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

// parseCall splits FUNCTION[:JSON] into the function name and its parameters
func parseCall(arg string) (string, rfc.Parameters, error) {
	name, raw, hasParams := strings.Cut(arg, ":")
	if name == "" {
		return "", nil, fmt.Errorf("missing function name in %q", arg)
	}
	params := rfc.Parameters{}
	if hasParams && raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return "", nil, fmt.Errorf("invalid parameters of %s: %w", name, err)
		}
	}
	return strings.ToUpper(name), params, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	attrs := unit.Attributes{
		Background: !viper.GetBool("classic"),
		Mode:       unit.ModeSynchronous,
		User:       viper.GetString("user"),
		Client:     viper.GetString("client"),
		TCode:      viper.GetString("tcode"),
		Program:    viper.GetString("program"),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs.Hostname = hostname
	}
	if queue := viper.GetString("queue"); queue != "" && !viper.GetBool("sync") {
		attrs.Mode = unit.ModeAsynchronous
		attrs.QueueName = queue
	}

	id, err := units.Initialize(ctx, attrs)
	if err != nil {
		return err
	}
	for _, arg := range args {
		name, params, err := parseCall(arg)
		if err != nil {
			_ = units.Destroy(ctx, id)
			return err
		}
		if err := units.Queue(id, name, params); err != nil {
			return err
		}
	}

	res, err := submitWithRetry(ctx, id)
	if err != nil {
		return fmt.Errorf("unit %s: %w", id, err)
	}
	if !res.Accepted {
		return fmt.Errorf("unit %s rejected: %w", id, res.Rejection)
	}
	fmt.Printf("unit %s submitted (%s)\n", id, attrs.Mode)

	confirm := viper.GetBool("confirm")
	if !viper.GetBool("wait") && !confirm {
		return nil
	}

	state, err := units.Await(ctx, id, viper.GetDuration("wait-interval"))
	if err != nil {
		return err
	}
	fmt.Printf("unit %s %s\n", id, state)

	if confirm {
		if err := units.Confirm(ctx, id); err != nil {
			return err
		}
		fmt.Printf("unit %s confirmed\n", id)
	}
	return nil
}

// submitWithRetry re-sends a unit whose submit outcome is unknown. The endpoint
// deduplicates the identifier, so a repeated submit never runs the calls twice.
func submitWithRetry(ctx context.Context, id unit.Identifier) (unit.SubmitResult, error) {
	attempts := viper.GetInt("transport-retries")
	if attempts < 1 {
		attempts = 1
	}
	var (
		res unit.SubmitResult
		err error
	)
	for i := 0; i < attempts; i++ {
		res, err = units.Submit(ctx, id)
		if err == nil || !rfc.IsRetryable(err) {
			return res, err
		}
		Logger.Warningf("submit of unit %s failed (%d/%d): %v", id, i+1, attempts, err)
	}
	return res, err
}

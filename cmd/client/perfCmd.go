package client

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/cmd/util"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfCmd = &cobra.Command{
		Use:                "perf",
		Short:              "Performance testing tool for rfcunit endpoints",
		Args:               cobra.NoArgs,
		PersistentPreRunE:  setupPool,
		PersistentPostRunE: closePool,
		PreRunE:            processPerfConfig,
		RunE:               runPerf,
	}
	perfNumThreads = 10
	perfUnitCalls  = 3
	perfSkip       = make([]string, 0)
)

// benchmark is one named perf test
type benchmark struct {
	name string
	op   func(ctx context.Context, client *unit.Client) error
}

func init() {
	key := "skip"
	perfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. ping,unit-async)"))
	key = "threads"
	perfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "unit-calls"
	perfCmd.Flags().Int(key, 3, util.WrapString("Number of calls queued in every unit"))
	key = "csv"
	perfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumThreads = viper.GetInt("threads")
	perfUnitCalls = max(viper.GetInt("unit-calls"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for rfcunit endpoints")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Calls per unit: %d\n", perfUnitCalls)
	fmt.Println()

	fmt.Println("starting tests...")

	client := unit.NewClient(pool, unit.WithTimeout(time.Duration(viper.GetInt("timeout"))*time.Second))
	benchmarks := []benchmark{
		{name: "ping", op: func(ctx context.Context, _ *unit.Client) error {
			return pool.Ping(ctx)
		}},
		{name: "call", op: func(ctx context.Context, _ *unit.Client) error {
			_, err := pool.Call(ctx, "STFC_CONNECTION", rfc.Parameters{"REQUTEXT": "perf"})
			return err
		}},
		{name: "unit-sync", op: func(ctx context.Context, c *unit.Client) error {
			return sendUnit(ctx, c, unit.Attributes{Background: true, Mode: unit.ModeSynchronous})
		}},
		{name: "unit-async", op: func(ctx context.Context, c *unit.Client) error {
			return sendUnit(ctx, c, unit.Attributes{Background: true, Mode: unit.ModeAsynchronous, QueueName: "PERF"})
		}},
	}

	results := make(map[string]testing.BenchmarkResult)
	ctx := cmd.Context()

	for _, bm := range benchmarks {
		if shouldSkip(bm.name) {
			printResult(bm.name, testing.BenchmarkResult{})
			continue
		}

		result := testing.Benchmark(func(b *testing.B) {
			b.SetParallelism(perfNumThreads)
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					if err := bm.op(ctx, client); err != nil {
						Logger.Errorf("(%s) - %v", bm.name, err)
					}
				}
			})
		})

		results[bm.name] = result
		printResult(bm.name, result)
	}

	fmt.Println()
	fmt.Println("Pool metrics:")
	metrics.WriteOnce(pool.Metrics(), os.Stdout)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// sendUnit runs one full unit lifecycle: queue, submit, wait and confirm
func sendUnit(ctx context.Context, c *unit.Client, attrs unit.Attributes) error {
	id, err := c.Initialize(ctx, attrs)
	if err != nil {
		return err
	}
	defer c.Forget(id)

	for i := 0; i < perfUnitCalls; i++ {
		if err := c.Queue(id, "STFC_CONNECTION", rfc.Parameters{"REQUTEXT": strconv.Itoa(i)}); err != nil {
			return err
		}
	}
	res, err := c.Submit(ctx, id)
	if err != nil {
		return err
	}
	if !res.Accepted {
		return res.Rejection
	}
	state, err := c.Await(ctx, id, 5*time.Millisecond)
	if err != nil {
		return err
	}
	if state != unit.StateCommitted {
		return fmt.Errorf("unit %s finished %s", id, state)
	}
	return c.Confirm(ctx, id)
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec",
		"Endpoints", "TimeoutSec", "Client", "Serializer", "Transport",
		"Threads", "CallsPerUnit", "PoolSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		nsPerOp := math.Max(float64(result.NsPerOp()), 1)
		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", 1.0/(nsPerOp/1e9)),
			viper.GetString("transport-endpoints"),
			strconv.Itoa(viper.GetInt("timeout")),
			viper.GetString("client"),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfUnitCalls),
			strconv.Itoa(pool.Size()),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

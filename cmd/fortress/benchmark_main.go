package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfort/fortress/internal/bench"
)

func newBenchmarkCmd() *cobra.Command {
	var (
		duration  time.Duration
		benchType string
	)

	cmd := &cobra.Command{
		Use:   "benchmark IMAGE",
		Short: "Load-test an agent image and report throughput, latency, and resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bt bench.Type
			switch benchType {
			case "":
			case "standard":
				bt = bench.TypeStandard
			case "trading":
				bt = bench.TypeTrading
			case "stress":
				bt = bench.TypeStress
			default:
				return fmt.Errorf("invalid --type %q (want standard|trading|stress)", benchType)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			defer a.Close()

			bencher, err := buildBench(a)
			if err != nil {
				return err
			}

			result := bencher.Run(cmd.Context(), args[0], bench.Options{Type: bt, Duration: duration})
			if jsonOutput() {
				return printJSON(result)
			}

			ruler(fmt.Sprintf("Benchmark — %s (%s, %s)", result.Image, result.Type, result.Duration))
			p := result.Performance
			fmt.Printf("  throughput   %.1f req/s\n", p.ThroughputTPS)
			fmt.Printf("  latency      avg %.1fms  p50 %.1fms  p95 %.1fms  p99 %.1fms  max %.1fms\n",
				p.AvgLatencyMs, p.P50LatencyMs, p.P95LatencyMs, p.P99LatencyMs, p.MaxLatencyMs)
			fmt.Printf("  error rate   %.2f%%\n", p.ErrorRatePercent)
			fmt.Printf("  resources    cpu %.1f%%  mem %.1f MB  net rx/tx %.2f/%.2f MB\n",
				result.Resources.CPUPercent, result.Resources.MemoryMB,
				result.Resources.NetworkRxMB, result.Resources.NetworkTxMB)
			if t := result.Trading; t != nil {
				fmt.Printf("  trading      %.1f orders/s, order latency %.1fms, data lag %.1fms\n",
					t.OrdersPerSecond, t.AvgOrderLatencyMs, t.MarketDataLagMs)
			}
			for _, w := range result.Warnings {
				fmt.Printf("  warning      %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "load duration")
	cmd.Flags().StringVar(&benchType, "type", "", "load profile (standard|trading|stress; default detected)")
	return cmd
}

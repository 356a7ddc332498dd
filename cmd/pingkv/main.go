// Command pingkv is a demonstration client for tictockv/mvcc: it pings a
// handful of websites over ICMP and records running min/avg/max/count
// metrics per site through the transactional façade.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tictockv/kvs/boltkvs"
	"tictockv/mvcc"
)

var logger zerolog.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pingkv",
	Short: "pingkv pings websites and records their ping metrics through tictockv",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
}

func initLogging() {
	levelStr, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if asJSON {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "ping the configured sites and record their metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		bypass, _ := cmd.Flags().GetBool("bypass-backend")

		cfg := ipv4Config{}

		store, err := boltkvs.Create(dbPath, cfg)
		if err != nil {
			return fmt.Errorf("pingkv: open store: %w", err)
		}
		defer store.Close()

		facade, err := mvcc.Create(store, cfg,
			mvcc.WithLogger(logger.With().Str("component", "mvcc").Logger()),
			mvcc.WithBypassBackend(bypass),
		)
		if err != nil {
			return fmt.Errorf("pingkv: create transactional kvs: %w", err)
		}
		defer facade.Close()

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logger.Warn().Err(err).Msg("metrics server exited")
			}
		}()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		targets := []pingTarget{
			{Site: "www.acm.org", Addr: "45.60.103.33"},
			{Site: "www.wikipedia.org", Addr: "208.80.154.232"},
			{Site: "www.vmware.com", Addr: "23.44.4.134"},
			{Site: "www.bbc.com", Addr: "212.58.244.22"},
			{Site: "www.cnet.com", Addr: "151.101.1.70"},
		}

		return runPingers(ctx, facade, targets, count, interval, timeout, logger)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "print the currently recorded ping metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")

		cfg := ipv4Config{}
		store, err := boltkvs.Open(dbPath, cfg)
		if err != nil {
			return fmt.Errorf("pingkv: open store: %w", err)
		}
		defer store.Close()

		all, err := store.All()
		if err != nil {
			return fmt.Errorf("pingkv: list entries: %w", err)
		}

		for addr, raw := range all {
			m, err := decodePingMetrics(raw)
			if err != nil {
				logger.Warn().Str("addr", addr).Err(err).Msg("skipping malformed entry")
				continue
			}
			fmt.Printf("%-16s %-24s pings=%-5d min=%-4dms avg=%-4dms max=%-4dms\n",
				addr, m.WWWName, m.NumPings, m.MinMS, m.AvgMS(), m.MaxMS)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("db", "pingkv.db", "bolt database path")
	runCmd.Flags().Int("count", 10, "number of pings to send per site")
	runCmd.Flags().Duration("interval", time.Second, "delay between pings to the same site")
	runCmd.Flags().Duration("timeout", 2*time.Second, "per-ping reply timeout")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	runCmd.Flags().Bool("bypass-backend", false, "skip the kvs backend entirely, for benchmark isolation")

	reportCmd.Flags().String("db", "pingkv.db", "bolt database path")
}

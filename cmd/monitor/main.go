// Command monitor runs the cluster-wide housekeeping service for one
// queue service: it scans existing tasks on startup, then watches for
// new/resuming tasks, orphaned claims, and wake conditions indefinitely.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/vectorlink-task/pkg/kv/etcdstore"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/metrics"
	"github.com/cuemby/vectorlink-task/pkg/monitor"
	"github.com/cuemby/vectorlink-task/pkg/tlsconfig"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "monitor",
	Short:   "Run the task-substrate housekeeping monitor for one service",
	Version: Version,
	RunE:    runMonitor,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("monitor version %s (%s)\n", Version, Commit))

	rootCmd.Flags().StringSlice("etcd", []string{"localhost:2379"}, "etcd endpoints")
	rootCmd.Flags().String("service", "", "service name this monitor watches (required)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9092", "address to serve /metrics on")
	rootCmd.Flags().Int64("scan-page-size", monitor.DefaultFullScanPageSize, "page size for the startup full scan of the tasks prefix")
	rootCmd.Flags().String("cert-dir", "", "directory holding a monitor mTLS client cert, key, and ca.crt (omit to connect without TLS)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
	_ = rootCmd.MarkFlagRequired("service")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.Flags().GetString("log-level")
		jsonOutput, _ := rootCmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
	})
}

func runMonitor(cmd *cobra.Command, args []string) error {
	endpoints, _ := cmd.Flags().GetStringSlice("etcd")
	service, _ := cmd.Flags().GetString("service")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	scanPageSize, _ := cmd.Flags().GetInt64("scan-page-size")
	certDir, _ := cmd.Flags().GetString("cert-dir")

	var storeOpts []etcdstore.Options
	if certDir != "" {
		tlsCfg, err := tlsconfig.ClientTLSConfig(certDir)
		if err != nil {
			return fmt.Errorf("loading mTLS cert from %s: %w", certDir, err)
		}
		storeOpts = append(storeOpts, etcdstore.Options{TLS: tlsCfg})
	}

	store, err := etcdstore.Connect(endpoints, storeOpts...)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("connecting to etcd: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutdown requested")
		cancel()
	}()

	log.Logger.Info().Str("service", service).Strs("etcd", endpoints).Msg("monitor starting")

	svc := monitor.New(store, service, monitor.Options{ScanPageSize: scanPageSize})
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor run: %w", err)
	}
	return nil
}

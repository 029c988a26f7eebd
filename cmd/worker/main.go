// Command worker drains a task queue for one service, running a generic
// JSON passthrough handler: initialize copies the init payload into the
// initial progress value, and process simply keeps the claim alive until
// an interrupt or the process is asked to stop, then completes with the
// last progress value. It exists to exercise pkg/handler end to end and
// as a worked example for a real handler implementation; it does not
// know anything about any particular job's payload shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/vectorlink-task/pkg/handler"
	"github.com/cuemby/vectorlink-task/pkg/kv/etcdstore"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/metrics"
	"github.com/cuemby/vectorlink-task/pkg/queue"
	"github.com/cuemby/vectorlink-task/pkg/task"
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
	Use:     "worker",
	Short:   "Claim and process tasks from a vectorlink-task queue",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("worker version %s (%s)\n", Version, Commit))

	rootCmd.Flags().StringSlice("etcd", []string{"localhost:2379"}, "etcd endpoints")
	rootCmd.Flags().String("service", "", "service name this worker claims tasks for (required)")
	rootCmd.Flags().String("identity", "", "identity this worker reports in claims (defaults to hostname-pid)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "address to serve /metrics on")
	rootCmd.Flags().String("cert-dir", "", "directory holding a worker mTLS client cert, key, and ca.crt (omit to connect without TLS)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
	_ = rootCmd.MarkFlagRequired("service")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.Flags().GetString("log-level")
		jsonOutput, _ := rootCmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	endpoints, _ := cmd.Flags().GetStringSlice("etcd")
	service, _ := cmd.Flags().GetString("service")
	identity, _ := cmd.Flags().GetString("identity")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")

	if identity == "" {
		host, _ := os.Hostname()
		identity = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var storeOpts []etcdstore.Options
	if certDir != "" {
		tlsCfg, err := tlsconfig.ClientTLSConfig(certDir)
		if err != nil {
			return fmt.Errorf("loading mTLS cert from %s: %w", certDir, err)
		}
		storeOpts = append(storeOpts, etcdstore.Options{TLS: tlsCfg})
	}

	q, err := queue.Connect(ctx, endpoints, service, identity, storeOpts...)
	if err != nil {
		metrics.RegisterComponent("queue", false, err.Error())
		return fmt.Errorf("connecting to queue: %w", err)
	}
	defer q.Close()
	metrics.RegisterComponent("queue", true, "connected")

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
		log.Logger.Info().Msg("shutdown requested, finishing current task")
		cancel()
	}()

	queueLog := log.WithQueueIdentity(identity)
	queueLog.Info().Str("service", service).Strs("etcd", endpoints).Msg("worker starting")

	err = handler.ProcessQueue[json.RawMessage, json.RawMessage, json.RawMessage](ctx, q, passthroughHandler{})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("process queue: %w", err)
	}
	return nil
}

// passthroughHandler is the generic reference handler: it does nothing
// but keep the claim alive, forwarding init into progress and echoing
// the last progress value back as the completion result.
type passthroughHandler struct{}

func (passthroughHandler) Initialize(ctx context.Context, live *task.Liveness[json.RawMessage, json.RawMessage]) (json.RawMessage, error) {
	init, found, err := live.Init()
	if err != nil {
		return nil, err
	}
	if !found {
		return json.RawMessage(`{}`), nil
	}
	return init, nil
}

func (passthroughHandler) Process(ctx context.Context, live *task.Liveness[json.RawMessage, json.RawMessage]) (json.RawMessage, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			progress, _, _ := live.Progress()
			return progress, nil
		case <-ticker.C:
			if err := live.Keepalive(ctx); err != nil {
				// Propagate unchanged: the handler runtime recognizes
				// queueerr.Interrupted and leaves the already-transitioned
				// Canceled/Paused status alone rather than overwriting it.
				return nil, err
			}
		}
	}
}

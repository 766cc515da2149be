package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/lattice/internal/control"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/observability"
)

func daemonCmd() *cobra.Command {
	var (
		controlAddr string
		invokerAddr string
		httpAddr    string
		logLevel    string
		apps        []string
		hosts       []string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a lattice instance",
		Long:  "Run a lattice instance: host the configured applications, answer control requests and connect to every discovered peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("control") {
				cfg.Cluster.ControlAddress = controlAddr
			}
			if cmd.Flags().Changed("invoker") {
				cfg.Cluster.InvokerAddress = invokerAddr
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("app") {
				cfg.Cluster.Applications = apps
			}
			if cmd.Flags().Changed("peer") {
				cfg.Discovery.Hosts = hosts
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			if cfg.Daemon.CallLog != "" {
				if err := logging.Default().SetOutput(cfg.Daemon.CallLog); err != nil {
					logging.Op().Warn("failed to open call log", "path", cfg.Daemon.CallLog, "error", err)
				}
				defer logging.Default().Close()
			}

			if err := observability.Init(context.Background(), cfg.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.Buckets)
			}

			instance, created, err := ids.LoadOrCreateInstanceID(cfg.Cluster.InstanceIDFile)
			if err != nil {
				return fmt.Errorf("instance id: %w", err)
			}
			logging.Op().Info("instance id loaded", "instance", instance.String(), "created", created)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m, err := startMesh(ctx, cfg, instance)
			if err != nil {
				return err
			}
			defer m.stop()

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = &http.Server{
					Addr:              cfg.Daemon.HTTPAddr,
					Handler:           observability.HTTPMiddleware(adminMux(m)),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logging.Op().Error("admin HTTP server error", "error", err)
					}
				}()
				logging.Op().Info("admin HTTP server started", "addr", cfg.Daemon.HTTPAddr)
			}

			<-ctx.Done()
			logging.Op().Info("shutdown signal received")
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpServer.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&controlAddr, "control", "", "Control endpoint to bind (e.g. tcp://0.0.0.0:7600)")
	cmd.Flags().StringVar(&invokerAddr, "invoker", "", "Invoker gRPC listen address (e.g. 0.0.0.0:7700)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "Admin HTTP address; empty disables it")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringSliceVar(&apps, "app", nil, "Application id to host (repeatable)")
	cmd.Flags().StringSliceVar(&hosts, "peer", nil, "Static peer control address (repeatable)")

	return cmd
}

type connectionView struct {
	Address  string                 `json:"address"`
	Instance string                 `json:"instance"`
	Status   control.InstanceStatus `json:"status"`
}

func adminMux(m *mesh) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/stats", metrics.Global().JSONHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		var bindings []string
		for _, b := range m.svc.Bindings() {
			bindings = append(bindings, b.BindAddress())
		}
		var conns []connectionView
		for _, c := range m.svc.ActiveConnections() {
			conns = append(conns, connectionView{
				Address:  c.Address(),
				Instance: c.InstanceID().String(),
				Status:   c.Status(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{
			"instance":    m.svc.InstanceID().String(),
			"control":     m.svc.ControlAddress(),
			"invoker":     m.svc.InvokerAddress(),
			"bindings":    bindings,
			"connections": conns,
			"registered":  m.registry.Len(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("write status response", "error", err)
	}
}

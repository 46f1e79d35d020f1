// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/concierge/internal/config"
)

func newHostCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the tool server manager until interrupted",
		Long: `Run the manager as a long-lived process.

Servers keep their lazy lifecycle: they start on first use, restart on
crash, and stop when idle. Edits to the configuration file are picked
up live; removed servers are stopped and edited ones restart with
their new settings on next use.

Examples:
  concierge host
  concierge host --metrics-addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (off when empty)")
	return cmd
}

func runHost(metricsAddr string) error {
	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Store:    a.configs,
		OnChange: a.manager.Reconcile,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	events, unsubscribe := a.manager.Events().Subscribe()
	defer unsubscribe()

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
		a.logger.Info("metrics exposed", slog.String("addr", metricsAddr))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Hosting tool servers. Press Ctrl+C to stop.")
	a.logger.Info("manager running", slog.String("config", a.configs.Path()))

	for {
		select {
		case ev := <-events:
			a.logger.Info("server event",
				slog.String("event", string(ev.Type)),
				slog.String("server", ev.ServerName),
				slog.String("message", ev.Message))
		case s := <-sig:
			a.logger.Info("shutting down", slog.String("signal", s.String()))
			return nil
		}
	}
}

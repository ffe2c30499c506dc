// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hyper-Int/OrcaRelay/internal/bridge"
	"github.com/Hyper-Int/OrcaRelay/internal/config"
	"github.com/Hyper-Int/OrcaRelay/internal/logging"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
	"github.com/Hyper-Int/OrcaRelay/internal/supervisor"
	"github.com/Hyper-Int/OrcaRelay/internal/tmux"
	"github.com/Hyper-Int/OrcaRelay/internal/worker"
)

func main() {
	var (
		configPath string
		port       int
		dataDir    string
	)

	root := &cobra.Command{
		Use:   "orcarelay-server",
		Short: "Session process supervisor and admin router",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	root.Flags().StringVar(&dataDir, "data-dir", "", "record store directory (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// localSupervisor adapts the in-process supervisor to the bridge's Local
// interface. The bridge still dials the stream endpoint over loopback, so
// the routed path behaves the same whether the supervisor is in-process or
// a separate daemon.
type localSupervisor struct {
	sup  *supervisor.Supervisor
	port int
}

func (l localSupervisor) ActiveIDs() ([]string, error) { return l.sup.ActiveIDs(), nil }

func (l localSupervisor) StreamURL(sessionID string) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/sessions/%s/stream", l.port, sessionID)
}

func (l localSupervisor) Kill(sessionID string) (bool, error) { return l.sup.Kill(sessionID) }

func run(cfg config.Config) error {
	logging.SetDebug(cfg.Debug)
	log := logging.WithComponent("server")

	store, err := record.OpenFileStore(cfg.DataDir, logging.WithComponent("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	tm := tmux.NewClient(cfg.TmuxBin)
	if tm == nil {
		log.Warn("tmux not found, sessions will not survive supervisor restarts")
	}

	sup := supervisor.New(supervisor.Options{
		AgentBin:          cfg.AgentBin,
		MaxOutputLog:      cfg.MaxOutputLog,
		PersistInterval:   cfg.PersistInterval.Std(),
		HealthDelay:       cfg.HealthDelay.Std(),
		HealthMinVisible:  cfg.HealthMinVisible,
		WaitingClearGrace: cfg.WaitingClearGrace.Std(),
		WaitingClearBytes: cfg.WaitingClearBytes,
		RecoveryGrace:     cfg.RecoveryGrace.Std(),
	}, store, tm, logging.WithComponent("supervisor"))

	sup.RecoverAll()

	workers := worker.NewRegistry()
	br := bridge.New(store, workers, localSupervisor{sup: sup, port: cfg.Port}, tm,
		logging.WithComponent("bridge"))

	server := NewServer(cfg, sup, br, workers, store)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	stopCleanup := make(chan struct{})
	go br.RunCleanupLoop(cfg.CleanupInterval.Std(), stopCleanup)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	log.Info("shutting down", "signal", sig.String())
	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}

	// Detach from supervised processes. Multiplexed sessions keep running
	// and are reattached by the next startup's recovery pass.
	sup.Shutdown()
	return nil
}

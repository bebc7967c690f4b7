// Copyright 2023 The fleetsync Authors
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


// Package main is the fleetsync agent daemon: it keeps one sync session
// connected to the broker and serves its metrics and health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/fleetsync/pkg/broker"
	"github.com/turtacn/fleetsync/pkg/config"
	"github.com/turtacn/fleetsync/pkg/metrics"
	"github.com/turtacn/fleetsync/pkg/monitor"
	"github.com/turtacn/fleetsync/pkg/mqttsync"
)

// version is set at build time.
var version = "dev"

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (.yaml, .json, .jsonc, .toml)")
	embedded := flag.Bool("embedded-broker", false, "Also run the development broker of the broker section")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Client.ClientID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		cfg.Client.ClientID = host + "-syncd"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting fleetsync agent %s (%s)", cfg.Client.ClientID, version)
	if err := run(ctx, cfg, *embedded); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
	log.Println("Agent stopped")
}

// run serves until ctx is done or a component fails.
func run(ctx context.Context, cfg *config.Config, embedded bool) error {
	g, ctx := errgroup.WithContext(ctx)

	if embedded {
		b, err := broker.New(cfg.BrokerOptions(cfg.Client.ClientID + "-broker"))
		if err != nil {
			return err
		}
		g.Go(func() error { return b.StartServer(ctx) })
	}

	s, err := mqttsync.New(cfg.SessionOptions(cfg.NewTransport()))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := cfg.ConfigureSession(s); err != nil {
		s.Close(context.Background())
		return err
	}
	s.OnReady(func() {
		log.Printf("[INFO] Session %s ready, %d leaves cached", s.ID(), s.Data().Size())
	})

	hc := monitor.NewHealthChecker(s.ID(), version)
	hc.RegisterSession(s, false)
	g.Go(func() error {
		hc.RunPeriodically(ctx, healthInterval)
		return nil
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		hc.RegisterRoutes(mux)
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Printf("[INFO] Metrics and health listening on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Printf("[WARN] Session %s did not close cleanly: %v", s.ID(), err)
		}
		return nil
	})

	return g.Wait()
}

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


// package main is the entrypoint for the development broker: a standalone
// MQTT broker with retained messages and the heartbeat topics sync sessions
// wait for.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/fleetsync/pkg/broker"
	"github.com/turtacn/fleetsync/pkg/config"
	"github.com/turtacn/fleetsync/pkg/metrics"
)

func main() {
	log.Println("Starting fleetsync development broker...")

	configPath := flag.String("config", "", "Path to configuration file")
	tcp := flag.String("listen", "", "MQTT listen address, overrides the configuration")
	ws := flag.String("ws", "", "MQTT-over-websocket listen address, overrides the configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *tcp != "" {
		cfg.Broker.TCP = *tcp
	}
	if *ws != "" {
		cfg.Broker.WebSocket = *ws
	}

	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "local-node"
	}
	log.Printf("Node ID: %s", nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nodeID); err != nil {
		log.Fatalf("Broker failed: %v", err)
	}
	log.Println("Shutdown signal received. Broker stopped.")
}

func run(ctx context.Context, cfg *config.Config, nodeID string) error {
	b, err := broker.New(cfg.BrokerOptions(nodeID))
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		go metrics.Serve(cfg.Metrics.Listen)
	}
	return b.StartServer(ctx)
}

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


package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/turtacn/fleetsync/pkg/config"
	"github.com/turtacn/fleetsync/pkg/mqttsync"
)

type globalFlags struct {
	configPath string
	brokerURL  string
	protocol   int
	username   string
	password   string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Read and maintain the data a fleet synchronises over MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	pf.StringVarP(&g.brokerURL, "broker", "b", "", "Broker URL, overrides the configuration")
	pf.IntVar(&g.protocol, "protocol", 0, "MQTT protocol level, 4 or 5")
	pf.StringVarP(&g.username, "username", "u", "", "Broker username")
	pf.StringVarP(&g.password, "password", "p", "", "Broker password")
	pf.DurationVarP(&g.timeout, "timeout", "t", 10*time.Second, "Time to wait for the broker")

	root.AddCommand(
		newGetCmd(g),
		newWatchCmd(g),
		newSetCmd(g),
		newCallCmd(g),
		newClearCmd(g),
		newMigrateCmd(g),
		newConfigCmd(),
	)
	return root
}

// load reads the configuration and applies the command line overrides.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.brokerURL != "" {
		cfg.Client.BrokerURL = g.brokerURL
	}
	if g.protocol != 0 {
		cfg.Client.Protocol = g.protocol
	}
	if g.username != "" {
		cfg.Client.Username = g.username
		cfg.Client.Password = g.password
	}
	cfg.Client.ClientID = "syncctl-" + uuid.NewString()[:8]
	return cfg, nil
}

// connect opens a session, lets setup register its topics and waits for the
// heartbeat, so that retained state has been received.
func (g *globalFlags) connect(ctx context.Context, setup func(s *mqttsync.Session) error) (*mqttsync.Session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	s, err := mqttsync.New(cfg.SessionOptions(cfg.NewTransport()))
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(s); err != nil {
			s.Close(context.Background())
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := s.WaitForHeartbeatOnce(waitCtx); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("broker %s not reachable: %w", cfg.Client.BrokerURL, err)
	}
	return s, nil
}

// closeSession flushes outstanding publications before disconnecting.
func (g *globalFlags) closeSession(s *mqttsync.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	s.Close(ctx)
}

func printJSON(w io.Writer, v any) {
	fmt.Fprintln(w, oj.JSON(v, &ojg.Options{Indent: 2, Sort: true}))
}

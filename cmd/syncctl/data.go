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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/mqttsync"
	"github.com/turtacn/fleetsync/pkg/topic"
)

func subscribeAll(patterns []string) func(*mqttsync.Session) error {
	return func(s *mqttsync.Session) error {
		for _, p := range patterns {
			if err := s.Subscribe(p); err != nil {
				return err
			}
		}
		return nil
	}
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "get <pattern>...",
		Short: "Print the retained data matching the patterns",
		Example: `  syncctl get '/acme/+device/status'
  syncctl get '/acme/#' --query '$.acme.*.status'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.connect(cmd.Context(), subscribeAll(args))
			if err != nil {
				return err
			}
			defer g.closeSession(s)

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			if err := s.Sync(ctx); err != nil {
				return err
			}

			var out any
			err = s.Exec(ctx, func(data *datacache.DataCache) error {
				if query != "" {
					res, err := data.Query(query)
					out = res
					return err
				}
				out = data.Get(nil)
				return nil
			})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "JSONPath expression applied to the result")
	return cmd
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	var flat bool
	cmd := &cobra.Command{
		Use:   "watch <pattern>",
		Short: "Print changes under a pattern until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := args[0]
			if !topic.ValidPattern(pattern) {
				return fmt.Errorf("malformed pattern %q", pattern)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			w := cmd.OutOrStdout()
			show := func(value any, t string, _ topic.Captures, tags datacache.Tags) {
				printJSON(w, map[string]any{"topic": t, "value": value, "origin": tags.Origin})
			}
			s, err := g.connect(ctx, func(s *mqttsync.Session) error {
				if err := s.Subscribe(pattern); err != nil {
					return err
				}
				return s.Exec(ctx, func(data *datacache.DataCache) error {
					if flat {
						data.SubscribePathFlat(pattern, show)
					} else {
						data.SubscribePath(pattern, show)
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			defer g.closeSession(s)

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&flat, "flat", false, "Print one line per changed leaf")
	return cmd
}

func newSetCmd(g *globalFlags) *cobra.Command {
	var atomic bool
	cmd := &cobra.Command{
		Use:   "set <topic> <json>",
		Short: "Publish a retained value",
		Example: `  syncctl set /acme/robot-1/config '{"speed": 2}'
  syncctl set /acme/robot-1/config '{"speed": 2}' --atomic`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := args[0]
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("value is not JSON: %w", err)
			}

			var opts []mqttsync.PublishOption
			if atomic {
				opts = append(opts, mqttsync.Atomic())
			}
			s, err := g.connect(cmd.Context(), func(s *mqttsync.Session) error {
				return s.Publish(t, opts...)
			})
			if err != nil {
				return err
			}
			defer g.closeSession(s)

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			if err := s.Update(ctx, t, value); err != nil {
				return err
			}
			return s.Sync(ctx)
		},
	}
	cmd.Flags().BoolVar(&atomic, "atomic", false, "Publish the value as a single message")
	return cmd
}

func newCallCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <topic> [json-args]",
		Short: "Call a remote procedure and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var callArgs any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
					return fmt.Errorf("arguments are not JSON: %w", err)
				}
			}
			s, err := g.connect(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer g.closeSession(s)

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := s.Call(ctx, args[0], callArgs)
			if err != nil {
				return err
			}
			value, err := datacache.Decode(res)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), value)
			return nil
		},
	}
	return cmd
}

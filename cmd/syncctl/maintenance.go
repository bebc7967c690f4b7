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
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/fleetsync/pkg/config"
	"github.com/turtacn/fleetsync/pkg/mqttsync"
	"github.com/turtacn/fleetsync/pkg/version"
)

func newClearCmd(g *globalFlags) *cobra.Command {
	var suffix string
	cmd := &cobra.Command{
		Use:   "clear <prefix>...",
		Short: "Erase retained data under topic prefixes",
		Example: `  syncctl clear /acme/robot-1
  syncctl clear /acme --suffix /status`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.connect(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer g.closeSession(s)

			var opts []mqttsync.ClearOption
			if suffix != "" {
				opts = append(opts, mqttsync.ClearFilter(func(t string) bool {
					return strings.HasSuffix(t, suffix)
				}))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			n, err := s.Clear(ctx, args, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d topics\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&suffix, "suffix", "", "Only clear topics ending in this suffix")
	return cmd
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var (
		m         mqttsync.Migration
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move versioned data to a new version namespace",
		Example: `  syncctl migrate --topic '/+org/+device/@acme/agent/+version/config' \
      --level 4 --to 2.1.7 --namespace minor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if namespace != "" {
				m.Namespace = version.Level(namespace)
			}
			s, err := g.connect(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer g.closeSession(s)

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			n, err := s.Migrate(ctx, []mqttsync.Migration{m})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d instances\n", n)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&m.Topic, "topic", "", "Pattern of the versioned data")
	f.IntVar(&m.Level, "level", 0, "Index of the version segment in the pattern")
	f.StringVar(&m.NewVersion, "to", "", "Destination version")
	f.StringVar(&namespace, "namespace", "", "Truncate the destination to major, minor or patch")
	f.BoolVar(&m.Flat, "flat", false, "Publish one message per leaf")
	cmd.MarkFlagRequired("topic")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration",
		Long:  "Write the default configuration. The format follows the file extension: .yaml, .json or .toml.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}

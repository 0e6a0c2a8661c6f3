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

// Command workbridge is the CLI client for a workbridged daemon.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
)

var (
	flagDaemon    string
	flagUserID    string
	flagProjectID string
	flagJQ        string
)

func main() {
	root := &cobra.Command{
		Use:          "workbridge",
		Short:        "Client for the workflow execution bridge",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagDaemon, "daemon", envOr("WORKBRIDGE_DAEMON", "http://localhost:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&flagUserID, "user", os.Getenv("WORKBRIDGE_USER"), "tenant user id")
	root.PersistentFlags().StringVar(&flagProjectID, "project", os.Getenv("WORKBRIDGE_PROJECT"), "project id")
	root.PersistentFlags().StringVar(&flagJQ, "jq", "", "gojq expression applied to the JSON output")

	root.AddCommand(startCmd(), stopCmd(), statusCmd(), treeCmd(), authCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func requireScope() error {
	if flagUserID == "" || flagProjectID == "" {
		return fmt.Errorf("--user and --project are required (or WORKBRIDGE_USER / WORKBRIDGE_PROJECT)")
	}
	return nil
}

// emit prints v as JSON, optionally filtered through --jq.
func emit(v any) error {
	if flagJQ != "" {
		query, err := gojq.Parse(flagJQ)
		if err != nil {
			return fmt.Errorf("invalid jq expression: %w", err)
		}
		// gojq operates on generic JSON values.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}

		iter := query.Run(generic)
		for {
			out, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := out.(error); isErr {
				return fmt.Errorf("jq evaluation failed: %w", err)
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
		}
		return nil
	}

	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func startCmd() *cobra.Command {
	var (
		sessionID string
		mode      string
		sidecar   bool
		leaseMs   int64
		sinceID   string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a producer for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(); err != nil {
				return err
			}
			c := newClient(flagDaemon, flagUserID, flagProjectID)
			var out map[string]any
			err := c.call(cmd.Context(), http.MethodPost, "/producer/start", map[string]any{
				"sessionId":       sessionID,
				"mode":            mode,
				"consumerSidecar": sidecar,
				"leaseMs":         leaseMs,
				"sinceId":         sinceID,
			}, &out)
			if err != nil {
				return err
			}
			return emit(out)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&mode, "mode", "local-sandbox", "local-sandbox or remote-job")
	cmd.Flags().BoolVar(&sidecar, "sidecar", true, "start a consumer sidecar")
	cmd.Flags().Int64Var(&leaseMs, "lease-ms", 0, "lock lease in milliseconds (default from daemon)")
	cmd.Flags().StringVar(&sinceID, "since-id", "", "replay cursor event id")
	return cmd
}

func stopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the project's producer and release its lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(); err != nil {
				return err
			}
			if !force {
				var confirmed bool
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Stop the executor for project %s?", flagProjectID)).
					Description("Running tool invocations are interrupted and the lock is force-released.").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			c := newClient(flagDaemon, flagUserID, flagProjectID)
			var out map[string]any
			if err := c.call(cmd.Context(), http.MethodPost, "/producer/stop", map[string]any{}, &out); err != nil {
				return err
			}
			return emit(out)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest exec statuses for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(); err != nil {
				return err
			}
			c := newClient(flagDaemon, flagUserID, flagProjectID)
			var out map[string]any
			err := c.call(cmd.Context(), http.MethodPost, "/status", map[string]any{
				"sessionId": sessionID, "limit": limit,
			}, &out)
			if err != nil {
				return err
			}
			return emit(out)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().IntVar(&limit, "limit", 5, "number of execs")
	cmd.MarkFlagRequired("session")
	return cmd
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the daemon bearer token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set-token <token>",
		Short: "Store the daemon token in the OS keychain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := storeToken(args[0]); err != nil {
				return err
			}
			fmt.Println("token stored")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored daemon token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clearToken(); err != nil {
				return err
			}
			fmt.Println("token cleared")
			return nil
		},
	})
	return cmd
}

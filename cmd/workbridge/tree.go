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

package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	execStyle    = lipgloss.NewStyle().Bold(true)
	statusStyles = map[string]lipgloss.Style{
		"RUNNING": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"DONE":    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"ERROR":   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		"UNKNOWN": lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
	branchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// treeNode mirrors the daemon's exec tree node shape.
type treeNode struct {
	ExecID    string     `json:"execId"`
	Status    string     `json:"status"`
	Ended     bool       `json:"ended"`
	CreatedAt int64      `json:"createdAt"`
	Children  []treeNode `json:"children"`
}

func treeCmd() *cobra.Command {
	var (
		sessionID  string
		latestOnly bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the exec tree for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(); err != nil {
				return err
			}
			c := newClient(flagDaemon, flagUserID, flagProjectID)

			var out struct {
				Trees []treeNode `json:"trees"`
			}
			err := c.call(cmd.Context(), http.MethodPost, "/tree", map[string]any{
				"sessionId": sessionID, "latestOnly": latestOnly,
			}, &out)
			if err != nil {
				return err
			}

			if asJSON || flagJQ != "" {
				return emit(out)
			}

			if len(out.Trees) == 0 {
				fmt.Println("no execs recorded for session", sessionID)
				return nil
			}
			for _, root := range out.Trees {
				printTree(root, "", true, true)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().BoolVar(&latestOnly, "latest", false, "only the tree rooted at the newest exec")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.MarkFlagRequired("session")
	return cmd
}

// printTree renders one node with box-drawing branches.
func printTree(n treeNode, prefix string, isLast, isRoot bool) {
	connector := ""
	if !isRoot {
		if isLast {
			connector = branchStyle.Render("└─ ")
		} else {
			connector = branchStyle.Render("├─ ")
		}
	}

	status := n.Status
	if status == "" {
		status = "UNKNOWN"
	}
	style, ok := statusStyles[status]
	if !ok {
		style = statusStyles["UNKNOWN"]
	}

	line := fmt.Sprintf("%s%s%s %s", prefix, connector,
		execStyle.Render(n.ExecID),
		style.Render("["+status+"]"))
	if n.CreatedAt > 0 {
		line += branchStyle.Render("  " + time.UnixMilli(n.CreatedAt).Format(time.RFC3339))
	}
	fmt.Println(line)

	childPrefix := prefix
	if !isRoot {
		if isLast {
			childPrefix += "   "
		} else {
			childPrefix += branchStyle.Render("│") + "  "
		}
	}
	for i, child := range n.Children {
		printTree(child, childPrefix, i == len(n.Children)-1, false)
	}
}

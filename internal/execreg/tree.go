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

package execreg

import (
	"context"
	"fmt"
	"sort"

	"github.com/awfl/workbridge/internal/metastore"
)

// Node is one execution in the derived exec tree.
type Node struct {
	ExecID    string  `json:"execId"`
	SessionID string  `json:"sessionId"`
	CreatedAt int64   `json:"createdAt"`
	Status    string  `json:"status"`
	Ended     bool    `json:"ended"`
	Children  []*Node `json:"children"`
}

// Tree returns the exec forest for a session. Roots are registrations that
// no link names as triggered; when every registration is triggered (a
// cycle), the newest registration is the fallback root. Children are
// ordered by link createdAt ascending, the forest by root createdAt
// descending. In latestOnly mode only the tree rooted at the newest
// registration is returned.
func (r *Registry) Tree(ctx context.Context, userID, projectID, sessionID string, latestOnly bool) ([]*Node, error) {
	regDocs, err := r.store.QueryDocs(ctx, userID, projectID, execCollection, metastore.Query{
		Field: "sessionId", Value: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query execs: %w", err)
	}

	linkDocs, err := r.store.QueryDocs(ctx, userID, projectID, linkCollection, metastore.Query{
		Field: "sessionId", Value: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}

	regs := make(map[string]*ExecReg, len(regDocs))
	for _, doc := range regDocs {
		reg := docToReg(doc)
		regs[reg.ExecID] = reg
	}
	if len(regs) == 0 {
		return []*Node{}, nil
	}

	// children maps a calling exec to its outgoing links, triggered tracks
	// which registrations some link names as a child.
	children := make(map[string][]*ExecLink)
	triggered := make(map[string]bool)
	for _, doc := range linkDocs {
		link := docToLink(doc)
		children[link.CallingExec] = append(children[link.CallingExec], link)
		triggered[link.TriggeredExec] = true
	}
	for _, links := range children {
		sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt < links[j].CreatedAt })
	}

	var roots []*ExecReg
	if latestOnly {
		roots = []*ExecReg{newestReg(regs)}
	} else {
		for _, reg := range regs {
			if !triggered[reg.ExecID] {
				roots = append(roots, reg)
			}
		}
		if len(roots) == 0 {
			// Every registration is someone's child: cycle fallback.
			roots = []*ExecReg{newestReg(regs)}
		}
		sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt > roots[j].CreatedAt })
	}

	forest := make([]*Node, 0, len(roots))
	for _, root := range roots {
		visited := make(map[string]bool)
		forest = append(forest, r.buildNode(root, regs, children, visited))
	}
	return forest, nil
}

// buildNode assembles the subtree rooted at reg depth-first, guarding
// cycles with the visited set. Links to unknown exec ids are skipped.
func (r *Registry) buildNode(reg *ExecReg, regs map[string]*ExecReg, children map[string][]*ExecLink, visited map[string]bool) *Node {
	visited[reg.ExecID] = true

	node := &Node{
		ExecID:    reg.ExecID,
		SessionID: reg.SessionID,
		CreatedAt: reg.CreatedAt,
		Status:    reg.Status,
		Ended:     reg.Ended,
		Children:  []*Node{},
	}
	if node.Status == "" {
		node.Status = StatusUnknown
	}

	for _, link := range children[reg.ExecID] {
		child, ok := regs[link.TriggeredExec]
		if !ok || visited[link.TriggeredExec] {
			continue
		}
		node.Children = append(node.Children, r.buildNode(child, regs, children, visited))
	}
	return node
}

func newestReg(regs map[string]*ExecReg) *ExecReg {
	var newest *ExecReg
	for _, reg := range regs {
		if newest == nil || reg.CreatedAt > newest.CreatedAt ||
			(reg.CreatedAt == newest.CreatedAt && reg.ExecID > newest.ExecID) {
			newest = reg
		}
	}
	return newest
}

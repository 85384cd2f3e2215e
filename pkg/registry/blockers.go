package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nbaertsch/squadron/pkg/models"
)

// maxBlockerDepth bounds the cycle-detection DFS. The blocker graph is
// tiny in practice; anything deeper than this is treated as a cycle.
const maxBlockerDepth = 50

// AddBlocker records that agentID is blocked by blockerIssue. It returns
// ErrCycleDetected — and leaves the registry unchanged — when the new
// edge would close a cycle in the directed graph
// {agent → blocking issues → agents working those issues}.
func (s *Store) AddBlocker(ctx context.Context, agentID string, blockerIssue int) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.IsBlockedBy(blockerIssue) {
		return nil
	}

	cyclic, err := s.wouldCreateCycle(ctx, agent, blockerIssue)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("agent %q blocked by #%d: %w", agentID, blockerIssue, ErrCycleDetected)
	}

	agent.BlockedBy = append(agent.BlockedBy, blockerIssue)
	return s.UpdateAgent(ctx, agent)
}

// ResolveBlocker removes the issue from every agent's blocked_by set and
// returns the affected agents (with their updated records).
func (s *Store) ResolveBlocker(ctx context.Context, issueNumber int) ([]*models.AgentRecord, error) {
	agents, err := s.GetActiveAgents(ctx)
	if err != nil {
		return nil, err
	}

	var affected []*models.AgentRecord
	for _, agent := range agents {
		if !agent.IsBlockedBy(issueNumber) {
			continue
		}
		remaining := make([]int, 0, len(agent.BlockedBy)-1)
		for _, b := range agent.BlockedBy {
			if b != issueNumber {
				remaining = append(remaining, b)
			}
		}
		agent.BlockedBy = remaining
		if err := s.UpdateAgent(ctx, agent); err != nil {
			return nil, err
		}
		affected = append(affected, agent)
	}
	return affected, nil
}

// wouldCreateCycle walks the blocker graph from the candidate edge:
// starting at blockerIssue, follow issue → agents-on-issue →
// their blocking issues. A path back to the requesting agent's own
// issue (or the agent itself) closes a cycle.
func (s *Store) wouldCreateCycle(ctx context.Context, agent *models.AgentRecord, blockerIssue int) (bool, error) {
	// Self-block is the degenerate cycle.
	if agent.IssueNumber != 0 && agent.IssueNumber == blockerIssue {
		return true, nil
	}

	visited := make(map[int]bool)
	stack := []int{blockerIssue}
	depth := 0

	for len(stack) > 0 {
		depth++
		if depth > maxBlockerDepth {
			slog.Warn("Blocker graph walk exceeded depth bound — treating as cycle",
				"agent", agent.AgentID, "blocker", blockerIssue)
			return true, nil
		}

		issue := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[issue] {
			continue
		}
		visited[issue] = true

		workers, err := s.GetAgentsForIssue(ctx, issue)
		if err != nil {
			return false, err
		}
		for _, w := range workers {
			if w.Status.IsTerminal() {
				continue
			}
			if w.AgentID == agent.AgentID {
				return true, nil
			}
			for _, next := range w.BlockedBy {
				if next == agent.IssueNumber && agent.IssueNumber != 0 {
					return true, nil
				}
				if !visited[next] {
					stack = append(stack, next)
				}
			}
		}
	}
	return false, nil
}

package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nbaertsch/squadron/pkg/models"
)

// circuitBreaker is the L1 tool-call counter. It is touched from the
// runtime's tool dispatch goroutine and read from the turn loop.
type circuitBreaker struct {
	mu           sync.Mutex
	calls        int
	maxToolCalls int
	isTripped    bool
}

func (b *circuitBreaker) increment() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.calls
}

func (b *circuitBreaker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *circuitBreaker) trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isTripped = true
}

func (b *circuitBreaker) tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isTripped
}

// assemblePrompt builds one turn's prompt: the interpolated role
// prompt, any injected message, the drained mail queue, and pending
// inbox events. Draining here is what makes mail exactly-once.
func (m *Manager) assemblePrompt(agent *models.AgentRecord, spec SpawnSpec, injected string) string {
	def := m.defs[m.definitionName(agent.Role)]

	var b strings.Builder
	if agent.TurnCount == 0 && def != nil {
		b.WriteString(interpolate(def.Prompt, agent))
	} else {
		b.WriteString("Continue working on your task.")
	}

	if spec.Action != "" && agent.TurnCount == 0 {
		b.WriteString("\n\nRequested action: ")
		b.WriteString(spec.Action)
	}
	if injected != "" {
		b.WriteString("\n\n")
		b.WriteString(injected)
	}

	if mail := m.drainMail(agent.AgentID); len(mail) > 0 {
		b.WriteString("\n\n## Inbound Messages\n")
		for _, msg := range mail {
			b.WriteString(renderMail(&msg))
		}
	}

	if inbox := m.drainInbox(agent.AgentID); len(inbox) > 0 {
		b.WriteString("\n\n## Pending Events\n")
		for _, event := range inbox {
			b.WriteString(renderInboxEvent(&event))
		}
	}

	return b.String()
}

// interpolate substitutes the role prompt's placeholders. pr_number
// renders empty when the agent has no PR yet.
func interpolate(prompt string, agent *models.AgentRecord) string {
	issue := ""
	if agent.IssueNumber != 0 {
		issue = fmt.Sprintf("%d", agent.IssueNumber)
	}
	pr := ""
	if agent.PRNumber != 0 {
		pr = fmt.Sprintf("%d", agent.PRNumber)
	}
	replacer := strings.NewReplacer(
		"{issue_number}", issue,
		"{pr_number}", pr,
		"{branch}", agent.Branch,
		"{agent_id}", agent.AgentID,
		"{role}", agent.Role,
	)
	return replacer.Replace(prompt)
}

// renderMail formats one mail message for the prompt: sender,
// provenance with reference ids, and the body verbatim.
func renderMail(msg *models.MailMessage) string {
	ref := ""
	switch msg.Provenance.Type {
	case models.ProvenanceIssueComment:
		ref = fmt.Sprintf("issue #%d, comment %d", msg.Provenance.IssueNumber, msg.Provenance.CommentID)
	case models.ProvenancePRComment:
		ref = fmt.Sprintf("PR #%d, comment %d", msg.Provenance.PRNumber, msg.Provenance.CommentID)
	}
	return fmt.Sprintf("\n---\nFrom @%s (%s, %s):\n%s\n", msg.Sender, msg.Provenance.Type, ref, msg.Body)
}

// renderInboxEvent formats one internal event as a short line.
func renderInboxEvent(event *models.Event) string {
	line := fmt.Sprintf("- [%s]", event.Type)
	if event.IssueNumber != 0 {
		line += fmt.Sprintf(" issue=#%d", event.IssueNumber)
	}
	if event.PRNumber != 0 {
		line += fmt.Sprintf(" pr=#%d", event.PRNumber)
	}
	return line + "\n"
}

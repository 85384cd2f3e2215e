// Package commands parses Squadron commands and agent mentions out of
// GitHub comment bodies.
//
// Two syntaxes are recognized:
//
//	/squadron <command> [args...]       slash command on its own line
//	@squadron-bot <agent>: <message>    mention routed to an agent
//
// Text inside fenced code blocks or inline backtick spans is never
// matched, mirroring GitHub's own behaviour where backtick-wrapped
// mentions render as literal text and notify nobody.
package commands

import (
	"regexp"
	"sort"
	"strings"

	"github.com/nbaertsch/squadron/pkg/models"
)

// Built-in commands always recognized regardless of config.
var builtinCommands = []string{"status", "cancel", "retry", "list", "help"}

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```|~~~.*?~~~")
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
)

// StripCodeSpans removes fenced code blocks and inline code spans.
// Fenced blocks are stripped first so backticks inside a fence do not
// confuse the inline pass.
func StripCodeSpans(text string) string {
	text = fencedCodeRe.ReplaceAllString(text, "")
	return inlineCodeRe.ReplaceAllString(text, "")
}

// Parser extracts commands and mentioned roles from comment bodies.
// Construct one per loaded config via New.
type Parser struct {
	prefix      string
	botMention  string
	knownAgents map[string]bool
	knownCmds   map[string]bool

	slashRe   *regexp.Regexp
	mentionRe *regexp.Regexp
	helpRe    *regexp.Regexp
	roleRe    *regexp.Regexp
}

// Options configures a Parser.
type Options struct {
	// CommandPrefix is the slash prefix, e.g. "/squadron".
	CommandPrefix string
	// BotMention is the @-mention name without the leading "@",
	// e.g. "squadron-dev".
	BotMention string
	// KnownAgents is the active role roster from config.
	KnownAgents []string
	// KnownCommands are configured command names; built-ins are always
	// added on top.
	KnownCommands []string
}

// New builds a Parser from the loaded configuration.
func New(opts Options) *Parser {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "/squadron"
	}
	if opts.BotMention == "" {
		opts.BotMention = "squadron-dev"
	}

	p := &Parser{
		prefix:      opts.CommandPrefix,
		botMention:  opts.BotMention,
		knownAgents: make(map[string]bool, len(opts.KnownAgents)),
		knownCmds:   make(map[string]bool),
	}
	for _, a := range opts.KnownAgents {
		p.knownAgents[strings.ToLower(a)] = true
	}
	for _, c := range builtinCommands {
		p.knownCmds[c] = true
	}
	for _, c := range opts.KnownCommands {
		p.knownCmds[strings.ToLower(c)] = true
	}

	escPrefix := regexp.QuoteMeta(p.prefix)
	escBot := regexp.QuoteMeta(p.botMention)

	p.slashRe = regexp.MustCompile(`(?im)^\s*` + escPrefix + `\s+([\w][\w-]*)(\s+.*)?$`)
	p.mentionRe = regexp.MustCompile(`(?is)@` + escBot + `\s+([\w][\w-]*)(:?)\s*(.*)`)
	p.helpRe = regexp.MustCompile(`(?i)@` + escBot + `\s+help\b`)
	p.roleRe = regexp.MustCompile(`(?m)(?:^|\s)[@/]([\w][\w-]*)`)

	return p
}

// Parse returns the command found in the comment body, or nil when the
// body contains none. Slash syntax wins over mention syntax.
func (p *Parser) Parse(body string) *models.ParsedCommand {
	if body == "" {
		return nil
	}
	searchable := StripCodeSpans(body)

	if cmd := p.parseSlash(searchable); cmd != nil {
		return cmd
	}
	return p.parseMention(searchable)
}

func (p *Parser) parseSlash(text string) *models.ParsedCommand {
	m := p.slashRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	name := strings.ToLower(m[1])
	rest := strings.TrimSpace(m[2])

	cmd := &models.ParsedCommand{Source: models.SourceSlash, Name: name}
	if rest != "" {
		cmd.Args = strings.Fields(rest)
	}
	if name == "help" || name == "list" {
		cmd.IsHelp = true
	}
	return cmd
}

func (p *Parser) parseMention(text string) *models.ParsedCommand {
	if p.helpRe.MatchString(text) {
		return &models.ParsedCommand{Source: models.SourceMention, IsHelp: true, Name: "help"}
	}

	m := p.mentionRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	token := strings.ToLower(m[1])
	hasColon := m[2] == ":"
	rest := strings.TrimSpace(m[3])

	// Built-in action name takes priority over an agent of the same name.
	if p.knownCmds[token] && !p.knownAgents[token] {
		cmd := &models.ParsedCommand{Source: models.SourceMention, Name: token}
		if rest != "" {
			cmd.Args = strings.Fields(rest)
		}
		return cmd
	}

	if p.knownAgents[token] || hasColon {
		return &models.ParsedCommand{
			Source:    models.SourceMention,
			AgentName: token,
			Message:   rest,
		}
	}
	return nil
}

// MentionedRoles returns every known role mentioned as a bare @role or
// /role token in the body, in first-appearance order without duplicates.
// Code spans are stripped before matching.
func (p *Parser) MentionedRoles(body string) []string {
	if body == "" {
		return nil
	}
	searchable := StripCodeSpans(body)

	var roles []string
	seen := make(map[string]bool)
	for _, m := range p.roleRe.FindAllStringSubmatch(searchable, -1) {
		role := strings.ToLower(m[1])
		if p.knownAgents[role] && !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}
	return roles
}

// KnownCommands returns the sorted union of built-in and configured
// command names (used for help output).
func (p *Parser) KnownCommands() []string {
	out := make([]string, 0, len(p.knownCmds))
	for c := range p.knownCmds {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

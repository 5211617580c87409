// Package runs executes allow-listed operator commands and streams their
// output with the same snapshot-then-live contract as agent turns.
package runs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/turngate/internal/config"
)

// Reasons a command is refused before spawn.
const (
	BlockedUnknownID     = "unknown-id"
	BlockedDisabledID    = "disabled-id"
	BlockedPolicyPattern = "policy-pattern"
)

// denyList holds executables that are never spawned, whatever the allow-list says.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
}

// Verdict is the outcome of checking a command id against policy.
// BlockedBy is empty exactly when Allowed is true.
type Verdict struct {
	Allowed   bool                 `json:"allowed"`
	BlockedBy string               `json:"blockedBy,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Command   config.CommandConfig `json:"-"`
}

// CommandView is one allow-list entry with its current verdict.
type CommandView struct {
	ID        string   `json:"id"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Sandbox   bool     `json:"sandbox,omitempty"`
	Allowed   bool     `json:"allowed"`
	BlockedBy string   `json:"blockedBy,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Policy is the compiled allow-list plus static blocked patterns.
type Policy struct {
	commands map[string]config.CommandConfig
	order    []string
	patterns []*regexp.Regexp
}

func NewPolicy(commands []config.CommandConfig, blocked []string) (*Policy, error) {
	p := &Policy{commands: make(map[string]config.CommandConfig, len(commands))}
	for _, c := range commands {
		if _, dup := p.commands[c.ID]; dup {
			return nil, fmt.Errorf("duplicate command id %q", c.ID)
		}
		p.commands[c.ID] = c
		p.order = append(p.order, c.ID)
	}
	for _, raw := range blocked {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// Check decides whether the command id may run.
func (p *Policy) Check(id string) Verdict {
	c, ok := p.commands[id]
	if !ok {
		return Verdict{BlockedBy: BlockedUnknownID, Reason: fmt.Sprintf("command %q is not on the allow-list", id)}
	}
	if c.Disabled {
		return Verdict{BlockedBy: BlockedDisabledID, Reason: fmt.Sprintf("command %q is disabled by policy", id), Command: c}
	}
	if _, bad := denyList[filepath.Base(c.Command)]; bad {
		return Verdict{BlockedBy: BlockedPolicyPattern, Reason: fmt.Sprintf("executable %q is on the deny list", filepath.Base(c.Command)), Command: c}
	}
	line := CommandLine(c)
	for _, re := range p.patterns {
		if re.MatchString(line) {
			return Verdict{BlockedBy: BlockedPolicyPattern, Reason: fmt.Sprintf("command line matches blocked pattern %q", re.String()), Command: c}
		}
	}
	return Verdict{Allowed: true, Command: c}
}

// List returns every configured command with its verdict, in config order.
func (p *Policy) List() []CommandView {
	out := make([]CommandView, 0, len(p.order))
	for _, id := range p.order {
		c := p.commands[id]
		v := p.Check(id)
		out = append(out, CommandView{
			ID:        c.ID,
			Command:   c.Command,
			Args:      c.Args,
			Sandbox:   c.Sandbox,
			Allowed:   v.Allowed,
			BlockedBy: v.BlockedBy,
			Reason:    v.Reason,
		})
	}
	return out
}

// CommandLine renders a command and its args the way patterns see it.
func CommandLine(c config.CommandConfig) string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

package ios

import (
	"context"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
)

const sudoTimeout = 30 * time.Second

// Sudo runs privileged commands with the password fed through `sudo -S`.
type Sudo struct {
	exec process.Executor
}

// NewSudo wraps executor.
func NewSudo(executor process.Executor) *Sudo {
	return &Sudo{exec: executor}
}

// Spec builds the `sudo -S <args>` invocation with password on stdin.
func (s *Sudo) Spec(password string, args ...string) process.Spec {
	return process.Spec{
		Name:    "sudo",
		Args:    append([]string{"-S"}, args...),
		Stdin:   password + "\n",
		Timeout: sudoTimeout,
	}
}

// Run executes args under sudo and returns the combined output.
func (s *Sudo) Run(ctx context.Context, password string, args ...string) (string, error) {
	return s.exec.Exec(ctx, s.Spec(password, args...))
}

// Validate reports whether password unlocks sudo. Cached credentials are
// dropped first so the password itself is checked.
func (s *Sudo) Validate(ctx context.Context, password string) bool {
	if password == "" {
		return false
	}
	spec := process.Spec{
		Name:    "sudo",
		Args:    []string{"-k", "-S", "cat", "/etc/sudoers"},
		Stdin:   password + "\n",
		Timeout: sudoTimeout,
	}
	out, _ := s.exec.Exec(ctx, spec)
	return PasswordAccepted(out)
}

// PasswordAccepted interprets the output of the sudoers read.
func PasswordAccepted(out string) bool {
	out = strings.TrimSpace(out)
	return len(out) > 1 && !strings.Contains(out, "incorrect password attempt")
}

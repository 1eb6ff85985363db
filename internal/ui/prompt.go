package ui

import (
	"context"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/x/term"
)

// PromptPassword asks for a secret on an interactive terminal without echo.
func PromptPassword(ctx context.Context, in io.Reader, out io.Writer, title string) (string, error) {
	var password string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(strings.TrimSpace(title)).
			EchoMode(huh.EchoModePassword).
			Value(&password),
	)).
		WithShowHelp(false).
		WithInput(in).
		WithOutput(out)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return password, nil
}

// IsTerminal reports whether stream is attached to an interactive terminal.
func IsTerminal(stream any) bool {
	file, ok := stream.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(file.Fd())
}

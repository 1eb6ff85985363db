package ui

import (
	"fmt"
	"strings"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/charmbracelet/glamour"
)

// CodesMarkdown lists error codes as a markdown table.
func CodesMarkdown(title string, codes []collector.ErrorCode) string {
	builder := strings.Builder{}
	builder.WriteString("# " + strings.TrimSpace(title) + "\n\n")
	if len(codes) == 0 {
		builder.WriteString("_No codes._\n")
		return builder.String()
	}
	builder.WriteString("| Code | Name | Description |\n")
	builder.WriteString("| ---: | --- | --- |\n")
	for _, code := range codes {
		builder.WriteString(fmt.Sprintf("| %d | %s | %s |\n", code.Code, code.Name, strings.ReplaceAll(code.Description, "|", "\\|")))
	}
	return builder.String()
}

// RenderMarkdown renders markdown for the terminal. Plain disables colour
// styling. The input is returned unchanged when rendering fails.
func RenderMarkdown(markdown string, width int, plain bool) string {
	style := glamour.WithAutoStyle()
	if plain {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(max(40, width)),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return rendered
}

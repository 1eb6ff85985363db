package main

import (
	"fmt"
	"io"
	"os"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/ui"
	"github.com/spf13/cobra"
)

const codesWidth = 100

func newCodesCommand(a *app) *cobra.Command {
	platform := ""
	plain := false
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "List the error codes a capture can fail with",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return a.runCodes(out, platform, plain || !ui.IsTerminal(out) || os.Getenv("NO_COLOR") != "")
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "only list one platform: android or ios")
	cmd.Flags().BoolVar(&plain, "plain", false, "render without colours")
	return cmd
}

func (a *app) runCodes(out io.Writer, platform string, plain bool) error {
	title := "Capture error codes"
	codes := collector.Codes()
	if platform != "" {
		normalized, err := normalizePlatform(platform)
		if err != nil {
			return err
		}
		low, high := 200, 300
		title = "Android capture error codes"
		if normalized == platformIOS {
			low, high = 500, 600
			title = "iOS capture error codes"
		}
		filtered := codes[:0]
		for _, code := range codes {
			if code.Code >= low && code.Code < high {
				filtered = append(filtered, code)
			}
		}
		codes = filtered
	}
	_, err := fmt.Fprint(out, ui.RenderMarkdown(ui.CodesMarkdown(title, codes), codesWidth, plain))
	return err
}

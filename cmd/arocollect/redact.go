package main

import "strings"

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}
		return trimmed
	}
	return "root"
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		// Boolean switches such as --password-stdin carry no value.
		if isSensitiveToken(lower) && !strings.HasSuffix(lower, "-stdin") {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// resolvePlatformFlag returns the value of -p/--platform, or "" when absent.
func resolvePlatformFlag(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "-p" || arg == "--platform":
			if i+1 < len(args) {
				return strings.ToLower(args[i+1])
			}
		case strings.HasPrefix(arg, "--platform="):
			return strings.ToLower(strings.TrimPrefix(arg, "--platform="))
		}
	}
	return ""
}

package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner displays the startup banner for the selected command.
func PrintBanner(w io.Writer, cfg *Config, command string) {
	env := strings.ToUpper(EnvName(cfg.Feed.Sandbox))

	color := ColorGreen
	envDesc := "LIVE MARKET DATA"
	if cfg.Feed.Sandbox {
		color = ColorYellow
		envDesc = "PUBLIC SANDBOX"
	}
	if command == "replay" {
		color = ColorCyan
		envDesc = "OFFLINE REPLAY"
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s###########################################################%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                 📼 whim GDAX recorder                   #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#   COMMAND: %-44s #%s\n", color, command, ColorReset)
	fmt.Fprintf(w, "%s#   ENV:     %-44s #%s\n", color, env, ColorReset)
	fmt.Fprintf(w, "%s#   SOURCE:  %-44s #%s\n", color, envDesc, ColorReset)
	fmt.Fprintf(w, "%s#   VERSION: %-44s #%s\n", color, cfg.App.Version, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)

	if cfg.Feed.URL != "" {
		fmt.Fprintf(w, "%s#   ⚠️  ENDPOINT OVERRIDE: %-30s #%s\n", ColorRed, truncate(cfg.Feed.URL, 30), ColorReset)
	}

	fmt.Fprintf(w, "%s###########################################################%s\n", color, ColorReset)
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

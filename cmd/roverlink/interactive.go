package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/roverlink/internal/app"
	"github.com/1ureka/roverlink/internal/util"
)

// runInteractive prompts for a mode and its configs when no subcommand is given.
func runInteractive(ctx context.Context, opts app.Options) error {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Run   — Keep links alive",
			"Relay — Forward one link into another",
			"Send  — Send a test message",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(mode, "Relay"):
		from := askSource("Link to forward from (path or URL)")
		to := askSource("Link to forward to (path or URL)")
		return app.RunRelay(ctx, from, to, false, opts)

	case strings.HasPrefix(mode, "Send"):
		src := askSource("Link config (path or URL)")
		msg, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Message").
			Show()
		pterm.Println()
		return app.RunSender(ctx, src, app.SendOptions{Payloads: [][]byte{[]byte(msg)}, Count: 1, Linger: 2 * time.Second}, opts)

	default:
		src := askSource("Link config (path or URL)")
		return app.RunLinks(ctx, []string{src}, opts)
	}
}

// askSource prompts until the user enters a URL or an existing file.
func askSource(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		src := strings.TrimSpace(raw)
		pterm.Println()

		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			return src
		}
		if info, err := os.Stat(src); err == nil && !info.IsDir() {
			return src
		}
		util.LogWarning("invalid input: enter a config file path or an http(s) URL")
	}
}

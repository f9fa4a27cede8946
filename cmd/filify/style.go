package main

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/splax/filify/internal/domain"
)

var (
	colorGreen  = lipgloss.Color("#10B981")
	colorRed    = lipgloss.Color("#EF4444")
	colorYellow = lipgloss.Color("#F59E0B")
	colorCyan   = lipgloss.Color("#06B6D4")
	colorDim    = lipgloss.Color("#6B7280")
	colorAccent = lipgloss.Color("#7C3AED")
)

type palette struct {
	plain   bool
	header  lipgloss.Style
	dim     lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	working lipgloss.Style
	waiting lipgloss.Style
}

var (
	paletteOnce sync.Once
	active      palette
)

// styles returns the output palette. Colors are dropped when stdout is not a terminal.
func styles() palette {
	paletteOnce.Do(func() {
		active = newPalette(!term.IsTerminal(int(os.Stdout.Fd())))
	})
	return active
}

func newPalette(plain bool) palette {
	if plain {
		s := lipgloss.NewStyle()
		return palette{plain: true, header: s, dim: s, success: s, failure: s, working: s, waiting: s}
	}
	return palette{
		header:  lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		dim:     lipgloss.NewStyle().Foreground(colorDim),
		success: lipgloss.NewStyle().Bold(true).Foreground(colorGreen),
		failure: lipgloss.NewStyle().Bold(true).Foreground(colorRed),
		working: lipgloss.NewStyle().Foreground(colorCyan),
		waiting: lipgloss.NewStyle().Bold(true).Foreground(colorYellow),
	}
}

// badge renders a status padded to a fixed column width.
func (p palette) badge(status domain.Status) string {
	text := padRight(string(status), 22)
	switch status {
	case domain.StatusSuccess:
		return p.success.Render(text)
	case domain.StatusFailed:
		return p.failure.Render(text)
	case domain.StatusCancelled:
		return p.dim.Render(text)
	case domain.StatusAwaitingSignature, domain.StatusAwaitingConfirmation:
		return p.waiting.Render(text)
	default:
		return p.working.Render(text)
	}
}

func padRight(s string, width int) string {
	for len(s) < width {
		s += " "
	}
	return s
}

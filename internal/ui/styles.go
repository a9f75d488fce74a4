// Package ui renders the terminal output of the chat CLI.
package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	Primary = lipgloss.Color("#22d3ee")
	Success = lipgloss.Color("#10B981")
	Warning = lipgloss.Color("#F59E0B")
	Error   = lipgloss.Color("#EF4444")
	Muted   = lipgloss.Color("#6B7280")
)

var (
	SelfStyle    = lipgloss.NewStyle().Foreground(Primary).Bold(true)
	PeerStyle    = lipgloss.NewStyle().Foreground(Success).Bold(true)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	CallStyle    = lipgloss.NewStyle().Foreground(Warning).Bold(true)

	TableHeaderStyle = lipgloss.NewStyle().Foreground(Primary).Bold(true).Padding(0, 1)
	TableRowStyle    = lipgloss.NewStyle().Padding(0, 1)
	TableRowAltStyle = lipgloss.NewStyle().Foreground(Muted).Padding(0, 1)
)

func PrintError(w io.Writer, msg string) {
	fmt.Fprintln(w, ErrorStyle.Render("error: "+msg))
}

func PrintNotice(w io.Writer, msg string) {
	fmt.Fprintln(w, MutedStyle.Render("-- "+msg))
}

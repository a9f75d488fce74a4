package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/npezzotti/pairroom/internal/types"
)

const timeLayout = "15:04"

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

// RoomTable renders the rooms a user belongs to.
func RoomTable(rooms []types.Room, self types.User) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No rooms")
	}

	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		var peers []string
		for _, m := range r.Members {
			if m.UserId != self.Id {
				peers = append(peers, m.Username)
			}
		}

		last := "-"
		if r.LastMessage != nil {
			last = r.LastMessage.Sender + " at " + r.LastMessage.CreatedAt.Local().Format(timeLayout)
		}

		rows = append(rows, []string{
			truncate(r.Name, 30),
			r.Code,
			strings.Join(peers, ", "),
			last,
			r.Id.String(),
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Room", "Code", "With", "Last message", "ID").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Render()
}

// MessageLine formats one timeline line. text is the readable body.
func MessageLine(m types.Message, text string, self types.User, pending bool) string {
	name := PeerStyle.Render(m.SenderName)
	if m.SenderId == self.Id {
		name = SelfStyle.Render(m.SenderName)
	}

	body := text
	if m.MessageType == types.MessageTypeCall {
		body = CallStyle.Render(text)
	}

	line := fmt.Sprintf("%s %s: %s", MutedStyle.Render(m.Timestamp.Local().Format(timeLayout)), name, body)
	if m.EditedAt != nil {
		line += MutedStyle.Render(" (edited)")
	}
	if pending {
		line += MutedStyle.Render(" …")
	}
	return line
}

func PresenceLine(event string, ref types.UserRef) string {
	var verb string
	switch event {
	case types.EventUserJoined:
		verb = "joined"
	case types.EventUserLeft:
		verb = "left"
	case types.EventUserTyping:
		verb = "is typing"
	case types.EventUserStopTyping:
		verb = "stopped typing"
	default:
		verb = event
	}
	return MutedStyle.Render(fmt.Sprintf("-- %s %s", ref.Username, verb))
}

func CallLine(state string, caller string, at time.Time) string {
	if caller != "" {
		return CallStyle.Render(fmt.Sprintf("** %s call from %s (%s)", state, caller, at.Local().Format(timeLayout)))
	}
	return CallStyle.Render("** call " + state)
}

// Package output provides styled terminal output helpers (success,
// error, warning, queue and status formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/oq/internal/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.ItemStatus]lipgloss.Style{
		models.ItemPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.ItemInFlight:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.ItemSynced:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.ItemFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.ItemConflicted: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as indented JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Item formats a queue item as a single list line.
func Item(item *models.QueueItem) string {
	style, ok := statusStyles[item.Status]
	if !ok {
		style = subtleStyle
	}
	line := fmt.Sprintf("%s  %-10s %-8s %s",
		subtleStyle.Render(shortID(item.ID)),
		style.Render(string(item.Status)),
		item.Operation,
		item.EntityType+"/"+item.EntityID,
	)
	if item.Attempts > 0 {
		line += subtleStyle.Render(fmt.Sprintf("  (attempt %d)", item.Attempts))
	}
	if item.LastError != "" {
		line += "\n    " + subtleStyle.Render(truncate(item.LastError, 100))
	}
	return line
}

// Status formats the aggregate sync status.
func Status(s models.SyncStatus) string {
	var b strings.Builder

	online := errorStyle.Render("offline")
	if s.IsOnline {
		online = successStyle.Render("online")
	}
	b.WriteString(titleStyle.Render("Sync status") + "\n")
	b.WriteString(fmt.Sprintf("  connectivity:    %s\n", online))
	b.WriteString(fmt.Sprintf("  pending changes: %d\n", s.PendingChanges))
	if s.IsSyncing {
		b.WriteString("  syncing:         " + warningStyle.Render("in progress") + "\n")
	}
	if s.LastSync != nil {
		b.WriteString(fmt.Sprintf("  last sync:       %s\n", relativeTime(*s.LastSync)))
	} else {
		b.WriteString("  last sync:       " + subtleStyle.Render("never") + "\n")
	}
	if n := len(s.Conflicts); n > 0 {
		b.WriteString(fmt.Sprintf("  conflicts:       %s\n",
			errorStyle.Render(fmt.Sprintf("%d unresolved", n))))
	}
	return b.String()
}

// Conflict formats one conflict for the conflicts listing.
func Conflict(c *models.Conflict) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Conflict #%d", c.ID)))
	b.WriteString(subtleStyle.Render(fmt.Sprintf("  item %s  remote v%d  %s\n",
		shortID(c.ItemID), c.RemoteVersion, relativeTime(c.DetectedAt))))
	b.WriteString("  local:  " + truncate(string(c.LocalPayload), 120) + "\n")
	b.WriteString("  remote: " + truncate(string(c.RemotePayload), 120) + "\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// relativeTime renders a timestamp as a human-friendly age.
func relativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}

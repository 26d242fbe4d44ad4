package commands

import (
	"html"
	"strings"
)

// helpText renders help in HTML parse mode.
func (m *Manager) helpText(args []string) string {
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := m.lookup(name)
		if !ok {
			return "❓ <b>Unknown command</b>\nTry <code>/help</code> for the list."
		}
		return commandHelp(c)
	}

	m.mu.RLock()
	order := m.order
	m.mu.RUnlock()

	lines := []string{"📚 <b>Commands</b>", ""}
	var locked []string
	for _, c := range order {
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			locked = append(locked, line+" 🔒")
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, locked...)
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	var b strings.Builder
	b.WriteString("<b>/" + html.EscapeString(c.Name) + "</b>")
	if c.Access == AccessOwnerOnly {
		b.WriteString(" 🔒")
	}
	if c.Description != "" {
		b.WriteString("\n" + html.EscapeString(c.Description))
	}
	if c.Usage != "" {
		b.WriteString("\nUsage: <code>" + html.EscapeString(c.Usage) + "</code>")
	}
	if len(c.Aliases) > 0 {
		b.WriteString("\nAliases: " + html.EscapeString(strings.Join(c.Aliases, ", ")))
	}
	return b.String()
}

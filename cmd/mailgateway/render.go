package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailgateway/internal/coi"
	"github.com/nhle/mailgateway/internal/gateway"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/theme"
)

func field(label, value string) string {
	return theme.LabelStyle.Render(label) + value
}

func renderStatus(st gateway.Status) string {
	var lines []string
	if st.Authenticated {
		lines = append(lines, field("active", theme.ProviderLabelStyle(string(st.Provider)).Render(string(st.Provider))))
	} else {
		lines = append(lines,
			field("active", theme.KindStyle(string(st.Reason)).Render("none ("+string(st.Reason)+")")),
			field("reason", st.Message),
		)
	}
	lines = append(lines, "")

	for _, ps := range st.Providers {
		configured := "not configured"
		if ps.Configured {
			configured = "configured"
		}
		marker := "  "
		if ps.Active {
			marker = "* "
		}
		lines = append(lines, fmt.Sprintf("%s%-12s %-15s session %s  breaker %s",
			marker,
			ps.Provider,
			configured,
			theme.StateStyle(ps.State).Render(ps.State),
			theme.StateStyle(ps.Breaker).Render(ps.Breaker),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		theme.HeaderStyle.Render("Mail gateway status"),
		theme.PanelStyle.Render(strings.Join(lines, "\n")),
	)
}

func renderMessages(title string, p model.ProviderType, msgs []model.NormalizedMessage, classifier *coi.Classifier) string {
	header := theme.HeaderStyle.Render(title) + " " + theme.ProviderLabelStyle(string(p)).Render(string(p))
	if len(msgs) == 0 {
		return header + "\n" + theme.HelpStyle.Render("no matching messages")
	}

	var rows []string
	for _, m := range msgs {
		date := "-"
		if !m.Date.IsZero() {
			date = m.Date.Local().Format("2006-01-02 15:04")
		}
		row := fmt.Sprintf("%s  %-28s  %s", date, truncate(m.Sender().Address, 28), m.Subject)
		if classifier != nil {
			if match := classifier.Classify(m); match.Relevant() {
				row += theme.HelpStyle.Render(fmt.Sprintf("  [%s: %s]", match.Rule, match.Detail))
			}
		}
		if n := len(m.Attachments); n > 0 {
			row += theme.HelpStyle.Render(fmt.Sprintf("  (%d attachment(s))", n))
		}
		rows = append(rows, row)
	}
	return header + "\n" + theme.PanelStyle.Render(strings.Join(rows, "\n"))
}

func renderCredential(c model.Credential) string {
	c = c.Redacted()
	lines := []string{field("provider", string(c.Provider))}
	if c.Email != "" {
		lines = append(lines, field("email", c.Email))
	}
	if c.IsOAuth() {
		lines = append(lines, field("refresh token", present(c.RefreshToken)))
		if !c.Expiry.IsZero() {
			lines = append(lines, field("token expiry", c.Expiry.Local().Format("2006-01-02 15:04")))
		}
	} else {
		if c.IMAPHost != "" {
			lines = append(lines, field("imap", fmt.Sprintf("%s:%d", c.IMAPHost, c.IMAPPort)))
		}
		if c.SMTPHost != "" {
			lines = append(lines, field("smtp", fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)))
		}
		lines = append(lines, field("username", c.Username), field("password", present(c.Password)))
	}
	if !c.UpdatedAt.IsZero() {
		lines = append(lines, field("updated", c.UpdatedAt.Local().Format("2006-01-02 15:04")))
	}
	return theme.PanelStyle.Render(strings.Join(lines, "\n"))
}

func present(secret string) string {
	if secret == "" {
		return "missing"
	}
	return "stored"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

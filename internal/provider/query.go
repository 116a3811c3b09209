package provider

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nhle/mailgateway/internal/model"
)

const queryDateLayout = "2006-01-02"

// Query is the simplified, provider-independent search the gateway
// understands. Adapters translate it to their native syntax.
type Query struct {
	// Text is free text matched against subject and body.
	Text string

	From    string
	Subject string

	// Since and Before bound the message date; zero means unbounded.
	Since  time.Time
	Before time.Time

	HasAttachment bool

	// Unread limits results to unread messages.
	Unread bool

	// Any narrows q further to messages matching at least one of its
	// alternatives.
	Any AnyOf
}

// AnyOf is a disjunction of criteria. A message passes when it contains
// one of Terms, was sent by one of Senders, or carries an attachment whose
// filename extension or MIME subtype is one of Extensions.
type AnyOf struct {
	Terms   []string
	Senders []string
	// Extensions are lower case, without the leading dot.
	Extensions []string
}

// IsZero reports whether a has no alternatives.
func (a AnyOf) IsZero() bool {
	return len(a.Terms) == 0 && len(a.Senders) == 0 && len(a.Extensions) == 0
}

// Matches reports whether msg satisfies one of a's alternatives. A zero
// AnyOf matches everything.
func (a AnyOf) Matches(msg model.NormalizedMessage) bool {
	if a.IsZero() {
		return true
	}
	for _, term := range a.Terms {
		if containsFold(msg.Subject, term) || containsFold(msg.BodyText, term) || containsFold(msg.BodyHTML, term) {
			return true
		}
	}
	for _, sender := range a.Senders {
		if addressesContain(msg.From, strings.TrimPrefix(sender, "@")) {
			return true
		}
	}
	for _, att := range msg.Attachments {
		name := strings.ToLower(att.Filename)
		mediaType, _, _ := strings.Cut(strings.ToLower(att.MIMEType), ";")
		for _, ext := range a.Extensions {
			if strings.HasSuffix(name, "."+ext) || strings.HasSuffix(strings.TrimSpace(mediaType), "/"+ext) {
				return true
			}
		}
	}
	return false
}

// gmail renders a as a Gmail OR group.
func (a AnyOf) gmail() string {
	var parts []string
	for _, term := range a.Terms {
		parts = append(parts, quoteIfSpaced(term))
	}
	for _, sender := range a.Senders {
		parts = append(parts, "from:"+strings.TrimPrefix(sender, "@"))
	}
	for _, ext := range a.Extensions {
		parts = append(parts, "filename:"+ext)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// IsZero reports whether q has no criteria at all.
func (q Query) IsZero() bool {
	return q.Text == "" && q.From == "" && q.Subject == "" &&
		q.Since.IsZero() && q.Before.IsZero() && !q.HasAttachment && !q.Unread &&
		q.Any.IsZero()
}

// ParseQuery parses the simplified search syntax:
//
//	from:agent@carrier.com subject:"renewal notice" after:2024-01-31
//	before:2024-03-01 has:attachment is:unread free text
//
// Unknown operators are kept as free text.
func ParseQuery(raw string) (Query, error) {
	var q Query
	var text []string

	for _, tok := range tokenize(raw) {
		key, value, ok := strings.Cut(tok, ":")
		if !ok || value == "" {
			text = append(text, tok)
			continue
		}
		value = strings.Trim(value, `"`)

		switch strings.ToLower(key) {
		case "from":
			q.From = value
		case "subject":
			q.Subject = value
		case "after", "since":
			t, err := time.Parse(queryDateLayout, value)
			if err != nil {
				return Query{}, fmt.Errorf("parsing %s date %q: %w", key, value, err)
			}
			q.Since = t
		case "before":
			t, err := time.Parse(queryDateLayout, value)
			if err != nil {
				return Query{}, fmt.Errorf("parsing before date %q: %w", value, err)
			}
			q.Before = t
		case "has":
			if strings.EqualFold(value, "attachment") {
				q.HasAttachment = true
			} else {
				text = append(text, tok)
			}
		case "is":
			if strings.EqualFold(value, "unread") {
				q.Unread = true
			} else {
				text = append(text, tok)
			}
		default:
			text = append(text, tok)
		}
	}

	q.Text = strings.Join(text, " ")
	return q, nil
}

// tokenize splits on whitespace, keeping double-quoted runs together.
func tokenize(raw string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case unicode.IsSpace(r) && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// Gmail renders q in Gmail's native search syntax, Any included.
func (q Query) Gmail() string {
	out := q.render("2006/01/02")
	if q.Any.IsZero() {
		return out
	}
	if out == "" {
		return q.Any.gmail()
	}
	return out + " " + q.Any.gmail()
}

// String renders q back in the simplified syntax ParseQuery accepts. Any
// has no simplified form and is omitted.
func (q Query) String() string {
	return q.render(queryDateLayout)
}

func (q Query) render(dateLayout string) string {
	var parts []string
	if q.From != "" {
		parts = append(parts, "from:"+quoteIfSpaced(q.From))
	}
	if q.Subject != "" {
		parts = append(parts, "subject:"+quoteIfSpaced(q.Subject))
	}
	if !q.Since.IsZero() {
		parts = append(parts, "after:"+q.Since.Format(dateLayout))
	}
	if !q.Before.IsZero() {
		parts = append(parts, "before:"+q.Before.Format(dateLayout))
	}
	if q.HasAttachment {
		parts = append(parts, "has:attachment")
	}
	if q.Unread {
		parts = append(parts, "is:unread")
	}
	if q.Text != "" {
		parts = append(parts, q.Text)
	}
	return strings.Join(parts, " ")
}

// Matches reports whether msg satisfies every criterion of q. Adapters
// whose native search is coarser than q use it as a local filter.
func (q Query) Matches(msg model.NormalizedMessage) bool {
	if !q.Since.IsZero() && msg.Date.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !msg.Date.Before(q.Before) {
		return false
	}
	if q.HasAttachment && len(msg.Attachments) == 0 {
		return false
	}
	if q.Unread && msg.IsRead {
		return false
	}
	if q.From != "" && !addressesContain(msg.From, q.From) {
		return false
	}
	if q.Subject != "" && !containsFold(msg.Subject, q.Subject) {
		return false
	}
	if q.Text != "" {
		for _, word := range strings.Fields(strings.ReplaceAll(q.Text, `"`, "")) {
			if !containsFold(msg.Subject, word) &&
				!containsFold(msg.BodyText, word) &&
				!containsFold(msg.BodyHTML, word) {
				return false
			}
		}
	}
	return q.Any.Matches(msg)
}

func addressesContain(list []model.Address, needle string) bool {
	for _, a := range list {
		if containsFold(a.Address, needle) || containsFold(a.Name, needle) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func quoteIfSpaced(s string) string {
	if strings.ContainsFunc(s, unicode.IsSpace) {
		return `"` + s + `"`
	}
	return s
}

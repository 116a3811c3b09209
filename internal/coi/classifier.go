// Package coi recognises certificate-of-insurance mail in the normalized
// message stream.
package coi

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// DefaultKeywords is used when the configuration lists none.
var DefaultKeywords = []string{
	"COI",
	"certificate of insurance",
	"ACORD",
	"certificate holder",
	"additional insured",
	"proof of insurance",
}

var documentExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".heic": true,
}

// Rule names the heuristic that matched a message.
type Rule string

const (
	RuleNone       Rule = ""
	RuleKeyword    Rule = "keyword"
	RuleSender     Rule = "sender"
	RuleAttachment Rule = "attachment"
)

// Match explains why a message was classified as COI mail.
type Match struct {
	Rule Rule `json:"rule,omitempty"`

	// Detail is the keyword, allow-list entry or attachment filename that
	// triggered the rule.
	Detail string `json:"detail,omitempty"`
}

// Relevant reports whether any rule matched.
func (m Match) Relevant() bool { return m.Rule != RuleNone }

type keyword struct {
	word    string
	pattern *regexp.Regexp
}

// Classifier applies the keyword, sender and attachment heuristics. It
// holds no mutable state, so the same message always gets the same answer.
type Classifier struct {
	keywords []keyword
	senders  []string
}

// NewClassifier builds a classifier from cfg. Empty keywords fall back to
// DefaultKeywords.
func NewClassifier(cfg model.COIConfig) *Classifier {
	words := cfg.Keywords
	if len(words) == 0 {
		words = DefaultKeywords
	}

	c := &Classifier{}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		c.keywords = append(c.keywords, keyword{word: w, pattern: keywordPattern(w)})
	}
	for _, s := range cfg.SenderAllowlist {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		c.senders = append(c.senders, s)
	}
	return c
}

// keywordPattern matches w case-insensitively as a whole phrase. Runs of
// whitespace inside the phrase match any whitespace.
func keywordPattern(w string) *regexp.Regexp {
	parts := strings.Fields(w)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN_])(` + strings.Join(parts, `\s+`) + `)(?:[^\pL\pN_]|$)`)
}

// Classify reports the first rule that matches msg, checking keywords,
// then the sender allow-list, then attachments.
func (c *Classifier) Classify(msg model.NormalizedMessage) Match {
	if kw, ok := c.matchKeyword(msg); ok {
		return Match{Rule: RuleKeyword, Detail: kw}
	}
	if entry, ok := c.matchSender(msg.Sender().Address); ok {
		return Match{Rule: RuleSender, Detail: entry}
	}
	for _, att := range msg.Attachments {
		if IsDocumentAttachment(att) {
			return Match{Rule: RuleAttachment, Detail: att.Filename}
		}
	}
	return Match{}
}

// IsCOIRelevant reports whether msg looks like certificate-of-insurance
// mail.
func (c *Classifier) IsCOIRelevant(msg model.NormalizedMessage) bool {
	return c.Classify(msg).Relevant()
}

func (c *Classifier) matchKeyword(msg model.NormalizedMessage) (string, bool) {
	fields := []string{msg.Subject, msg.BodyText}
	if msg.BodyHTML != "" {
		fields = append(fields, composer.HTMLToText(msg.BodyHTML))
	}
	for _, kw := range c.keywords {
		for _, f := range fields {
			if f != "" && kw.pattern.MatchString(f) {
				return kw.word, true
			}
		}
	}
	return "", false
}

// matchSender accepts full addresses and domains, with or without the
// leading "@".
func (c *Classifier) matchSender(addr string) (string, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return "", false
	}
	domain := ""
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		domain = addr[at+1:]
	}
	for _, entry := range c.senders {
		switch {
		case strings.Contains(strings.TrimPrefix(entry, "@"), "@"):
			if entry == addr {
				return entry, true
			}
		case domain != "" && strings.TrimPrefix(entry, "@") == domain:
			return entry, true
		}
	}
	return "", false
}

// Criteria renders the classifier's rules as provider search
// alternatives, so providers can narrow a listing before it is classified.
func (c *Classifier) Criteria() provider.AnyOf {
	var alts provider.AnyOf
	for _, kw := range c.keywords {
		alts.Terms = append(alts.Terms, kw.word)
	}
	alts.Senders = append(alts.Senders, c.senders...)
	for ext := range documentExtensions {
		alts.Extensions = append(alts.Extensions, strings.TrimPrefix(ext, "."))
	}
	sort.Strings(alts.Extensions)
	return alts
}

// IsDocumentAttachment reports whether att is a PDF or an image, by MIME
// type or by filename extension.
func IsDocumentAttachment(att model.AttachmentRef) bool {
	mt := strings.ToLower(strings.TrimSpace(att.MIMEType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "application/pdf" || strings.HasPrefix(mt, "image/") {
		return true
	}
	return documentExtensions[strings.ToLower(path.Ext(att.Filename))]
}

package coi

import (
	"context"
	"strings"
	"time"

	"github.com/nhle/mailgateway/internal/gateway"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

const (
	defaultDays       = 30
	defaultMaxResults = 50
)

// Lister is the part of the gateway the search needs.
type Lister interface {
	List(ctx context.Context, q provider.Query, max int) (*gateway.FetchResult, error)
}

// Searcher finds COI mail through the gateway.
type Searcher struct {
	gw         Lister
	classifier *Classifier
	days       int
	max        int
	now        func() time.Time
}

// NewSearcher returns a Searcher over gw using cfg's window and limit.
func NewSearcher(gw Lister, classifier *Classifier, cfg model.COIConfig) *Searcher {
	s := &Searcher{
		gw:         gw,
		classifier: classifier,
		days:       cfg.DefaultDays,
		max:        cfg.MaxResults,
		now:        time.Now,
	}
	if s.days <= 0 {
		s.days = defaultDays
	}
	if s.max <= 0 {
		s.max = defaultMaxResults
	}
	return s
}

// DefaultDays is the window used when a search passes sinceDays <= 0.
func (s *Searcher) DefaultDays() int { return s.days }

// Query builds the provider query for a search: received within the last
// sinceDays days, optionally narrowed by the client name hint, and
// matching at least one classifier rule.
func (s *Searcher) Query(clientNameHint string, sinceDays int) provider.Query {
	if sinceDays <= 0 {
		sinceDays = s.days
	}
	now := s.now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -sinceDays)
	return provider.Query{
		Text:  strings.TrimSpace(clientNameHint),
		Since: since,
		Any:   s.classifier.Criteria(),
	}
}

// Search lists recent mail from the active provider and keeps the
// messages the classifier accepts, in provider order. The provider query
// already carries the classifier's rules; the local pass applies them
// exactly.
func (s *Searcher) Search(ctx context.Context, clientNameHint string, sinceDays int) (*gateway.FetchResult, error) {
	q := s.Query(clientNameHint, sinceDays)
	res, err := s.gw.List(ctx, q, s.max)
	if err != nil {
		return nil, err
	}

	out := make([]model.NormalizedMessage, 0, len(res.Messages))
	for _, msg := range res.Messages {
		if !msg.Date.IsZero() && msg.Date.Before(q.Since) {
			continue
		}
		if !s.classifier.IsCOIRelevant(msg) {
			continue
		}
		out = append(out, msg)
	}
	return &gateway.FetchResult{Provider: res.Provider, Messages: out}, nil
}

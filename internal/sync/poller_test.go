package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgateway/internal/gateway"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

type scriptedSearch struct {
	mu      gosync.Mutex
	results []*gateway.FetchResult
	errs    []error
	calls   int
}

func (s *scriptedSearch) Search(context.Context, string, int) (*gateway.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func (s *scriptedSearch) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func result(ids ...string) *gateway.FetchResult {
	res := &gateway.FetchResult{Provider: model.ProviderGmail, Messages: []model.NormalizedMessage{}}
	for _, id := range ids {
		res.Messages = append(res.Messages, model.NormalizedMessage{ID: id, Subject: "COI " + id})
	}
	return res
}

type handled struct {
	mu   gosync.Mutex
	ids  [][]string
	prov []model.ProviderType
}

func (h *handled) handle(_ context.Context, p model.ProviderType, msgs []model.NormalizedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	h.ids = append(h.ids, ids)
	h.prov = append(h.prov, p)
}

func TestPollHandsOnlyUnseenMessages(t *testing.T) {
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	search := &scriptedSearch{results: []*gateway.FetchResult{result("b", "a"), result("c", "b", "a"), result("c", "b")}}
	h := &handled{}
	p := New(search, h.handle, time.Hour, WithClock(func() time.Time { return now }))

	for range 3 {
		require.NoError(t, p.Poll(context.Background()))
	}

	assert.Equal(t, [][]string{{"b", "a"}, {"c"}}, h.ids, "a poll with nothing new does not call the handler")
	assert.Equal(t, []model.ProviderType{model.ProviderGmail, model.ProviderGmail}, h.prov)

	st := p.Status()
	assert.Equal(t, SyncIdle, st.State)
	assert.Equal(t, now, st.LastSync)
	assert.Equal(t, 0, st.NewCount)
	assert.Equal(t, 3, st.Runs)
	assert.Equal(t, model.ProviderGmail, st.Provider)
}

func TestSeenIDsExpireAfterRetention(t *testing.T) {
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	search := &scriptedSearch{results: []*gateway.FetchResult{result("a", "b"), result("b"), result("b"), result("a", "b")}}
	h := &handled{}
	p := New(search, h.handle, time.Hour,
		WithClock(func() time.Time { return now }),
		WithRetention(48*time.Hour),
	)

	require.NoError(t, p.Poll(context.Background()))
	now = now.Add(24 * time.Hour)
	require.NoError(t, p.Poll(context.Background()))
	assert.Len(t, p.seen, 2, "a is still within retention")

	now = now.Add(36 * time.Hour)
	require.NoError(t, p.Poll(context.Background()))
	assert.Len(t, p.seen, 1, "a has been absent for 60h")

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, [][]string{{"a", "b"}, {"a"}}, h.ids, "b stays remembered while it keeps appearing")
}

func TestPollRecordsErrors(t *testing.T) {
	search := &scriptedSearch{
		results: []*gateway.FetchResult{nil, nil, result("x")},
		errs: []error{
			provider.Errorf(provider.KindReauthRequired, model.ProviderGmail, "refresh", "invalid_grant"),
			provider.Errorf(provider.KindRetryable, model.ProviderGmail, "list", "timeout"),
		},
	}
	p := New(search, nil, time.Hour)

	err := p.Poll(context.Background())
	require.Error(t, err)
	st := p.Status()
	assert.Equal(t, SyncError, st.State)
	assert.True(t, st.AuthError)
	assert.Contains(t, st.Error, "invalid_grant")
	assert.True(t, st.LastSync.IsZero())

	require.Error(t, p.Poll(context.Background()))
	assert.False(t, p.Status().AuthError)

	require.NoError(t, p.Poll(context.Background()))
	st = p.Status()
	assert.Equal(t, SyncIdle, st.State)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, st.NewCount)
}

func TestStartPollsImmediatelyAndOnTrigger(t *testing.T) {
	search := &scriptedSearch{results: []*gateway.FetchResult{result("a")}}
	p := New(search, nil, time.Hour)

	p.Start(context.Background())
	t.Cleanup(p.Stop)
	assert.True(t, p.Status().Enabled)

	require.Eventually(t, func() bool { return search.count() == 1 }, time.Second, 5*time.Millisecond)
	p.Trigger()
	require.Eventually(t, func() bool { return search.count() == 2 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Trigger()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, search.count(), "no polling after Stop")
}

func TestStartStopsWithContext(t *testing.T) {
	search := &scriptedSearch{results: []*gateway.FetchResult{result()}}
	p := New(search, nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.Eventually(t, func() bool { return search.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	p.Stop()

	n := search.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, search.count())
}

func TestStatusJSON(t *testing.T) {
	raw, err := json.Marshal(SyncStatus{State: SyncRunning})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"running"`)
}

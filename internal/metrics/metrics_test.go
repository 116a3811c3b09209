package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgateway/internal/model"
)

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall(model.ProviderGmail, "list", "ok", 120*time.Millisecond)
	m.ObserveCall(model.ProviderGmail, "list", "ok", 80*time.Millisecond)
	m.ObserveCall(model.ProviderGmail, "list", "retryable", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("gmail", "list", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("gmail", "list", "retryable")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestObserveBreakerAndRefresh(t *testing.T) {
	m := New()
	m.ObserveBreaker(model.ProviderOutlook, "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakers.WithLabelValues("outlook")))
	m.ObserveBreaker(model.ProviderOutlook, "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakers.WithLabelValues("outlook")))
	m.ObserveBreaker(model.ProviderOutlook, "bogus")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakers.WithLabelValues("outlook")))

	m.ObserveRefresh(model.ProviderGmail, "ok")
	m.ObserveRefresh(model.ProviderGmail, "reauth_required")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refresh.WithLabelValues("gmail", "reauth_required")))
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	m := New()
	m.ObserveCall(model.ProviderGenericSMTP, "send", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `mailgateway_provider_calls_total{op="send",outcome="ok",provider="genericSmtp"} 1`), body)
	assert.Contains(t, body, "mailgateway_provider_call_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}

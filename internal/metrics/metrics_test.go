package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandler_UsesRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.InstrumentHandler)
	r.Get("/api/contributions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/contributions/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/contributions/{id}", "404"))
	assert.Equal(t, 3.0, got)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))
}

func TestDomainCounters(t *testing.T) {
	m := New()

	m.ContributionCreated()
	m.ContributionCreated()
	m.QuotaRejected()
	m.GrowthUpdate("append")
	m.Redemption(OutcomeRedeemed)
	m.Redemption(OutcomeDuplicate)
	m.Redemption(OutcomeDuplicate)
	m.Credits("earn", 7)
	m.Credits("earn", 0) // ignored
	m.StoreRetry("redeem reward", 1, errors.New("locked"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.contributionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.growthUpdates.WithLabelValues("append")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.redemptions.WithLabelValues(OutcomeDuplicate)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.credits.WithLabelValues("earn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeRetries.WithLabelValues("redeem reward")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ContributionCreated()
		m.QuotaRejected()
		m.GrowthUpdate("remove")
		m.Redemption(OutcomeError)
		m.Credits("spend", 3)
		m.StoreRetry("x", 1, nil)
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.InstrumentHandler(next))
}

func TestHandler_ExposesNamespace(t *testing.T) {
	m := New()
	m.ContributionCreated()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "carbon_ledger_contributions_created_total 1")
}

package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skinpulse/harvester/internal/dedup"
	"github.com/skinpulse/harvester/internal/ratelimit"
)

type stubClock struct{ t time.Time }

func (c stubClock) Now() time.Time { return c.t }

func newTestServer() *Server {
	governor := ratelimit.New(ratelimit.Config{}, stubClock{t: time.Unix(1700000000, 0).UTC()}, nil)
	seen := dedup.NewSet()
	seen.Preload([]string{"L1", "L2"})
	return NewServer(governor, nil, seen, nil)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestServer().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusz(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestServer().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/statusz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Contains(t, payload, "governor")
	require.EqualValues(t, 2, payload["seen_keys"])
	require.NotContains(t, payload, "router")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestServer().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

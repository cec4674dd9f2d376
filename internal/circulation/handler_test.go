package circulation_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

func newTestServer(t *testing.T, s setup) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t, s)
	r := chi.NewRouter()
	circulation.NewHandler(f.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHandlerLoanLifecycle(t *testing.T) {
	f, srv := newTestServer(t, setup{licenses: []licensing.License{perpetual("lic-1", 1)}})
	base := srv.URL + "/pools/" + itoa(f.pool.ID)

	resp, body := do(t, http.MethodPut, base+"/borrowers/patron/1/loan", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body, "loan")

	resp, body = do(t, http.MethodPut, base+"/borrowers/patron/2/loan", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no_available_copies", body["code"])

	resp, body = do(t, http.MethodPut, base+"/borrowers/patron/2/hold", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	hold := body["hold"].(map[string]any)
	assert.EqualValues(t, 1, hold["position"])

	resp, body = do(t, http.MethodGet, base+"/borrowers/patron/2/hold", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["until"])

	resp, _ = do(t, http.MethodDelete, base+"/borrowers/patron/1/loan", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, base+"/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["licenses_reserved"])
	assert.EqualValues(t, 1, body["patrons_in_hold_queue"])

	resp, _ = do(t, http.MethodDelete, base+"/borrowers/patron/2/hold", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerErrors(t *testing.T) {
	f, srv := newTestServer(t, setup{opts: []circulation.Option{circulation.WithHolds(false)}})
	base := srv.URL + "/pools/" + itoa(f.pool.ID)

	tests := []struct {
		name   string
		method string
		url    string
		status int
		code   string
	}{
		{"bad pool id", http.MethodGet, srv.URL + "/pools/abc/", http.StatusBadRequest, "invalid_pool_id"},
		{"unknown pool", http.MethodGet, srv.URL + "/pools/999/", http.StatusNotFound, "not_found"},
		{"unknown borrower kind", http.MethodPut, base + "/borrowers/robot/1/loan", http.StatusBadRequest, "invalid_borrower"},
		{"holds disabled", http.MethodPut, base + "/borrowers/patron/1/hold", http.StatusForbidden, "holds_disabled"},
		{"nothing to return", http.MethodDelete, base + "/borrowers/patron/1/loan", http.StatusConflict, "not_checked_out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, tt.url, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestHandlerDistributorEvents(t *testing.T) {
	f, srv := newTestServer(t, setup{})
	base := srv.URL + "/pools/" + itoa(f.pool.ID)

	resp, body := do(t, http.MethodPost, base+"/events",
		`{"type":"distributor_license_add","delta":2,"occurred_at":"2025-06-01T10:00:00Z"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	change := body["change"].(map[string]any)
	assert.Equal(t, true, change["applied"])

	resp, body = do(t, http.MethodPost, base+"/events",
		`{"type":"distributor_license_add","delta":2,"occurred_at":"2025-06-01T10:00:00Z"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	change = body["change"].(map[string]any)
	assert.Equal(t, false, change["applied"])
	assert.Equal(t, licensing.SkipStale, change["skipped"])

	resp, body = do(t, http.MethodPost, base+"/events", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request_body", body["code"])

	resp, _ = do(t, http.MethodPost, base+"/refresh",
		`{"licenses_owned":4,"licenses_available":1,"licenses_reserved":0,"patrons_in_hold_queue":0}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, f.reload(t).LicensesOwned)

	// An empty body recomputes from licenses; this pool has none, so the
	// counters stay as reported.
	resp, _ = do(t, http.MethodPost, base+"/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, f.reload(t).LicensesOwned)
}

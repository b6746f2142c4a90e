package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobilize/integrity-api/internal/api"
	"mobilize/integrity-api/internal/auth"
	"mobilize/integrity-api/internal/cache"
	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/fraud"
	"mobilize/integrity-api/internal/ledger"
	"mobilize/integrity-api/internal/metrics"
	"mobilize/integrity-api/internal/ratelimit"
	"mobilize/integrity-api/internal/store"
	"mobilize/integrity-api/internal/tracking"
)

// ─── Test server setup ────────────────────────────────────────────────────────

const secret = "test-secret"

type testEnv struct {
	srv        *httptest.Server
	adminToken string
	userToken  string // subject "u1"
}

type envOption func(*envConfig)

type envConfig struct {
	cache    cache.Store
	throttle *ratelimit.IPThrottle
}

func withCache(c cache.Store) envOption { return func(c2 *envConfig) { c2.cache = c } }

func withThrottle(t *ratelimit.IPThrottle) envOption {
	return func(c *envConfig) { c.throttle = t }
}

func newTestServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.cache == nil {
		mem := cache.NewMemory(time.Minute)
		t.Cleanup(func() { _ = mem.Close() })
		cfg.cache = mem
	}

	s := store.NewMemory()
	m := metrics.NewCollector()
	l := ledger.New(s, ledger.WithMetrics(m))
	engine := fraud.New(fraud.DefaultConfig(), s, ratelimit.New(cfg.cache), l, m, nil)
	rec := tracking.New(s, s, cfg.cache, engine, tracking.WithMetrics(m))

	ctx := context.Background()
	require.NoError(t, s.SaveLink(ctx, &domain.TrackedLink{ID: "L", OwnerUserID: "owner", DestinationURL: "https://example.org/campaign", Active: true}))
	require.NoError(t, s.SaveLink(ctx, &domain.TrackedLink{ID: "OFF", OwnerUserID: "owner", DestinationURL: "https://example.org/old", Active: false}))

	iss := auth.NewIssuer(secret, "mobilize")
	h := api.NewHandler(rec, l, s, s, api.Options{CookieName: "vid"})
	srv := httptest.NewServer(api.NewRouter(h, api.RouterDeps{Issuer: iss, Throttle: cfg.throttle, Metrics: m.Handler()}))
	t.Cleanup(srv.Close)

	adminToken, err := iss.Mint(domain.Principal{ID: "admin-1", Role: domain.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	userToken, err := iss.Mint(domain.Principal{ID: "u1", Role: domain.RoleUser}, time.Hour)
	require.NoError(t, err)

	return &testEnv{srv: srv, adminToken: adminToken, userToken: userToken}
}

func do(t *testing.T, env *testEnv, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func post(t *testing.T, env *testEnv, path, token string, body any) *http.Response {
	t.Helper()
	return do(t, env, http.MethodPost, path, token, body)
}

func get(t *testing.T, env *testEnv, path, token string) *http.Response {
	t.Helper()
	return do(t, env, http.MethodGet, path, token, nil)
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	d, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no 'data' key: %v", env)
	}
	return d
}

func decodeError(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	e, ok := env["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no 'error' key: %v", env)
	}
	return e
}

func trackPayload(linkID string) map[string]any {
	return map[string]any{
		"link_id":    linkID,
		"ip":         "177.10.20.30",
		"user_agent": "Mozilla/5.0 (test)",
	}
}

// flagUser makes u1 trigger abnormal-clicks and duplicate-activity.
func flagUser(t *testing.T, env *testEnv) {
	t.Helper()
	for i := 0; i < 6; i++ {
		resp := post(t, env, "/api/v1/track", env.userToken, trackPayload("L"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

// ─── Health / metrics ─────────────────────────────────────────────────────────

func TestHealth_Returns200(t *testing.T) {
	env := newTestServer(t)

	resp := get(t, env, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics_ExposesClickCounters(t *testing.T) {
	env := newTestServer(t)
	post(t, env, "/api/v1/track", "", trackPayload("L"))

	resp := get(t, env, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "integrity_clicks_counted_total 1")
}

// ─── POST /api/v1/track ───────────────────────────────────────────────────────

func TestTrackClick_SameVisitorTwice_CountsOnce(t *testing.T) {
	env := newTestServer(t)

	d := decodeData(t, post(t, env, "/api/v1/track", "", trackPayload("L")))
	assert.Equal(t, true, d["counted"])
	assert.NotEmpty(t, d["event_id"])

	d = decodeData(t, post(t, env, "/api/v1/track", "", trackPayload("L")))
	assert.Equal(t, false, d["counted"])

	d = decodeData(t, get(t, env, "/api/v1/links/L/clicks", ""))
	assert.Equal(t, float64(1), d["clicks"])
}

func TestTrackClick_VisitorTokenBeatsIP(t *testing.T) {
	env := newTestServer(t)

	for i, want := range []bool{true, true, false} {
		p := trackPayload("L")
		p["visitor_token"] = []string{"tok-a", "tok-b", "tok-a"}[i]
		d := decodeData(t, post(t, env, "/api/v1/track", "", p))
		assert.Equal(t, want, d["counted"], "hit %d", i)
	}
}

func TestTrackClick_InvalidInput_Returns400(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Post(env.srv.URL+"/api/v1/track", "application/json", strings.NewReader("not-json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JSON", decodeError(t, resp)["code"])

	resp = post(t, env, "/api/v1/track", "", map[string]any{"ip": "1.2.3.4"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, resp)["code"])

	p := trackPayload("L")
	p["event_type"] = "LIKE"
	resp = post(t, env, "/api/v1/track", "", p)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackClick_UnknownAndInactiveLinks(t *testing.T) {
	env := newTestServer(t)

	resp := post(t, env, "/api/v1/track", "", trackPayload("missing"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, resp)["code"])

	resp = post(t, env, "/api/v1/track", "", trackPayload("OFF"))
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "LINK_INACTIVE", decodeError(t, resp)["code"])
}

func TestTrackClick_CacheDown_Returns503(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { _ = c.Close() })
	env := newTestServer(t, withCache(c))
	mr.Close()

	resp := post(t, env, "/api/v1/track", "", trackPayload("L"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "CACHE_UNAVAILABLE", decodeError(t, resp)["code"])
}

func TestTrackClick_Throttled_Returns429(t *testing.T) {
	env := newTestServer(t, withThrottle(ratelimit.NewIPThrottle(0.01, 2, time.Minute)))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		p := trackPayload("L")
		p["visitor_token"] = fmt.Sprintf("tok-%d", i)
		statuses = append(statuses, post(t, env, "/api/v1/track", "", p).StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

// ─── GET /r/{linkID} ──────────────────────────────────────────────────────────

func TestRedirect_IssuesCookieAndCountsOncePerVisitor(t *testing.T) {
	env := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(env.srv.URL + "/r/L")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.org/campaign", resp.Header.Get("Location"))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "vid" {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "first visit must issue a visitor cookie")

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/r/L", nil)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Empty(t, resp.Cookies(), "returning visitor keeps the cookie")

	d := decodeData(t, get(t, env, "/api/v1/links/L/clicks", ""))
	assert.Equal(t, float64(1), d["clicks"])
}

func TestRedirect_CookielessClient_CountedOnceByIPAndUserAgent(t *testing.T) {
	env := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	var issued *http.Cookie
	for i := 0; i < 4; i++ {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/r/L", nil)
		req.Header.Set("User-Agent", "curl/8.0")
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		require.Len(t, resp.Cookies(), 1, "a cookie is offered on every cookie-less hit")
		issued = resp.Cookies()[0]
	}

	d := decodeData(t, get(t, env, "/api/v1/links/L/clicks", ""))
	assert.Equal(t, float64(1), d["clicks"])

	// A client that finally keeps the cookie is the same visitor.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/r/L", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.AddCookie(issued)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	d = decodeData(t, get(t, env, "/api/v1/links/L/clicks", ""))
	assert.Equal(t, float64(1), d["clicks"])
}

func TestRedirect_InactiveLink_Returns410(t *testing.T) {
	env := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(env.srv.URL + "/r/OFF")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

// ─── Trust scores ─────────────────────────────────────────────────────────────

func TestGetTrustScore_AfterAbuse_ShowsTwoFlags(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)

	resp := get(t, env, "/api/v1/trust-scores/u1", env.userToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeData(t, resp)
	assert.Equal(t, float64(80), d["score"])
	assert.Len(t, d["open_flags"], 2)
}

func TestGetTrustScore_Access(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)

	assert.Equal(t, http.StatusUnauthorized, get(t, env, "/api/v1/trust-scores/u1", "").StatusCode)
	assert.Equal(t, http.StatusForbidden, get(t, env, "/api/v1/trust-scores/u2", env.userToken).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, env, "/api/v1/trust-scores/u1", env.adminToken).StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, env, "/api/v1/trust-scores/nobody", env.adminToken).StatusCode)
}

func TestRegisterUser_CreatesThenReturnsExisting(t *testing.T) {
	env := newTestServer(t)

	resp := post(t, env, "/api/v1/admin/trust-scores/new-user", env.adminToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(100), decodeData(t, resp)["score"])

	resp = post(t, env, "/api/v1/admin/trust-scores/new-user", env.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, env, "/api/v1/admin/trust-scores/other", env.userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// ─── Admin triage ─────────────────────────────────────────────────────────────

func TestListFlaggedUsers_AdminOnly(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)

	resp := get(t, env, "/api/v1/admin/flagged-users", env.userToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", decodeError(t, resp)["code"])

	d := decodeData(t, get(t, env, "/api/v1/admin/flagged-users", env.adminToken))
	assert.Equal(t, float64(1), d["count"])
}

func TestReviewFlag_ClearRestoresUntilNoneOpen(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)
	review := map[string]any{"user_id": "u1", "resolution": "CLEAR"}

	resp := post(t, env, "/api/v1/admin/reviews", env.adminToken, review)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeData(t, resp)
	assert.Equal(t, float64(90), d["trust_score"].(map[string]any)["score"])
	assert.Equal(t, "CLEARED", d["flag"].(map[string]any)["status"])

	d = decodeData(t, post(t, env, "/api/v1/admin/reviews", env.adminToken, review))
	assert.Equal(t, float64(100), d["trust_score"].(map[string]any)["score"])

	resp = post(t, env, "/api/v1/admin/reviews", env.adminToken, review)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no open flag left")
}

func TestReviewFlag_AlreadyResolvedFlag_Returns409(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)

	d := decodeData(t, post(t, env, "/api/v1/admin/reviews", env.adminToken,
		map[string]any{"user_id": "u1", "resolution": "PENALIZE"}))
	flagID := d["flag"].(map[string]any)["id"]

	resp := post(t, env, "/api/v1/admin/reviews", env.adminToken,
		map[string]any{"user_id": "u1", "flag_id": flagID, "resolution": "CLEAR"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_RESOLUTION", decodeError(t, resp)["code"])
}

func TestReviewFlag_RejectsBadInput(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)

	resp := post(t, env, "/api/v1/admin/reviews", env.adminToken, map[string]any{"user_id": "u1", "resolution": "REOPEN"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_RESOLUTION", decodeError(t, resp)["code"])

	resp = post(t, env, "/api/v1/admin/reviews", env.userToken, map[string]any{"user_id": "u1", "resolution": "CLEAR"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post(t, env, "/api/v1/admin/reviews", env.userToken, map[string]any{"user_id": "u1", "resolution": "REOPEN"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "role is checked before the body")
	assert.Equal(t, "FORBIDDEN", decodeError(t, resp)["code"])

	resp = post(t, env, "/api/v1/admin/reviews", env.userToken, "not an object")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post(t, env, "/api/v1/admin/reviews", "", map[string]any{"user_id": "u1", "resolution": "CLEAR"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ─── Reports ──────────────────────────────────────────────────────────────────

func TestIntegrityReport_SummarisesActivity(t *testing.T) {
	env := newTestServer(t)
	flagUser(t, env)
	post(t, env, "/api/v1/track", "", map[string]any{"link_id": "L", "ip": "10.0.0.9", "user_agent": "other"})

	resp := get(t, env, "/api/v1/admin/reports/integrity", env.adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeData(t, resp)

	assert.Equal(t, float64(7), d["total_events"])
	assert.Equal(t, float64(5), d["duplicate_events"])
	assert.Equal(t, float64(2), d["distinct_ips"])

	byRule := d["open_flags_by_rule"].(map[string]any)
	assert.Equal(t, float64(1), byRule[string(domain.RuleAbnormalClicks)])
	assert.Equal(t, float64(1), byRule[string(domain.RuleDuplicateActivity)])

	top := d["top_links"].([]any)
	require.Len(t, top, 1)
	assert.Equal(t, "L", top[0].(map[string]any)["link_id"])
}

func TestIntegrityReport_NonAdmin_Returns403(t *testing.T) {
	env := newTestServer(t)

	resp := get(t, env, "/api/v1/admin/reports/integrity", env.userToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestForgetVisitors_AdminResetsFingerprints(t *testing.T) {
	env := newTestServer(t)
	payload := trackPayload("L")

	post(t, env, "/api/v1/track", "", payload)
	d := decodeData(t, post(t, env, "/api/v1/track", "", payload))
	require.Equal(t, false, d["counted"])

	resp := do(t, env, http.MethodDelete, "/api/v1/admin/links/L/fingerprints", env.userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, env, http.MethodDelete, "/api/v1/admin/links/NOPE/fingerprints", env.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	d = decodeData(t, do(t, env, http.MethodDelete, "/api/v1/admin/links/L/fingerprints", env.adminToken, nil))
	assert.Equal(t, true, d["fingerprints_cleared"])

	d = decodeData(t, post(t, env, "/api/v1/track", "", payload))
	assert.Equal(t, true, d["counted"])
	d = decodeData(t, get(t, env, "/api/v1/links/L/clicks", ""))
	assert.Equal(t, float64(2), d["clicks"])
}

package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signing-broker/internal/broker"
	"github.com/signing-broker/internal/config"
	"github.com/signing-broker/internal/http/middleware"
	"github.com/signing-broker/internal/loggingutil"
	"github.com/signing-broker/internal/metrics"
	"github.com/signing-broker/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() config.Config {
	return config.Config{
		HTTPPort:        "0",
		OnConflict:      config.ConflictReplace,
		ShutdownTimeout: time.Second,
	}
}

func newTestRouter(t *testing.T, cfg config.Config, opts ...HandlerOption) (*gin.Engine, *broker.Broker, *metrics.Collector) {
	t.Helper()
	collector := metrics.New()
	b := broker.New(broker.WithObserver(collector))
	r := NewRouter(RouterDeps{
		Handler: NewHandler(b, validation.New(), cfg, opts...),
		Logger:  loggingutil.NoopLogger(),
		Metrics: collector.Handler(),
	})
	return r, b, collector
}

func publish(r http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/publish/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	return rec
}

func startSubscribe(r http.Handler, ctx context.Context, key string, header http.Header) <-chan *httptest.ResponseRecorder {
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/subscribe/"+key+"/", nil).WithContext(ctx)
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		done <- rec
	}()
	return done
}

func waitPending(t *testing.T, b *broker.Broker, key, notID string) broker.WaiterInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := b.Snapshot()[key]; ok && info.ID != notID {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no waiter registered for %s", key)
	return broker.WaiterInfo{}
}

func receive(t *testing.T, ch <-chan *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
		return nil
	}
}

func assertBlocked(t *testing.T, ch <-chan *httptest.ResponseRecorder) {
	t.Helper()
	select {
	case rec := <-ch:
		t.Fatalf("subscribe returned early with %d %q", rec.Code, rec.Body.String())
	case <-time.After(50 * time.Millisecond):
	}
}

type httpResult struct {
	status int
	body   string
	err    error
}

func get(url string) <-chan httpResult {
	done := make(chan httpResult, 1)
	go func() {
		resp, err := http.Get(url)
		if err != nil {
			done <- httpResult{err: err}
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		done <- httpResult{status: resp.StatusCode, body: string(data), err: err}
	}()
	return done
}

func awaitResult(t *testing.T, ch <-chan httpResult) httpResult {
	t.Helper()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("request failed: %v", res.err)
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
		return httpResult{}
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestPublishValidation(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing publicKey", `{"encryptedPin":"p","transaction":"t"}`, "You must include a publicKey to pubish to."},
		{"missing encryptedPin", `{"publicKey":"k","transaction":"t"}`, "You must include a 6 character secret encrypted with the publicKey."},
		{"missing transaction", `{"publicKey":"k","encryptedPin":"p"}`, "You must include a transaction to be signed."},
		{"missing everything", `{}`, "You must include a publicKey to pubish to."},
		{"malformed body", `{"publicKey":`, "You must include a publicKey to pubish to."},
		{"empty body", ``, "You must include a publicKey to pubish to."},
		{"null publicKey", `{"publicKey":null,"encryptedPin":"p","transaction":"t"}`, "You must include a publicKey to pubish to."},
		{"numeric publicKey", `{"publicKey":123,"encryptedPin":"p","transaction":"t"}`, "publicKey must be a string."},
		{"numeric encryptedPin", `{"publicKey":"k","encryptedPin":123456,"transaction":"t"}`, "encryptedPin must be a string."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := publish(r, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeError(t, rec); got != tt.want {
				t.Fatalf("error = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublishMissingPublicKeyBody(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())
	rec := publish(r, `{"encryptedPin":"p","transaction":"t"}`)
	want := `{"error":"You must include a publicKey to pubish to."}`
	if rec.Body.String() != want {
		t.Fatalf("body = %s, want %s", rec.Body.String(), want)
	}
}

func TestPublishWithoutListener(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	rec := publish(r, `{"publicKey":"K2","encryptedPin":"p","transaction":"tx2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
	if b.Len() != 0 {
		t.Fatalf("table not empty: %d", b.Len())
	}
}

func TestSubscribeReleasedByPublish(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	sub := startSubscribe(r, context.Background(), "K1", nil)
	waitPending(t, b, "K1", "")

	if rec := publish(r, `{"publicKey":"K1","encryptedPin":"p","transaction":"tx1"}`); rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d", rec.Code)
	}
	rec := receive(t, sub)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe status = %d", rec.Code)
	}
	if rec.Body.String() != "K1" {
		t.Fatalf("subscribe body = %q, want K1", rec.Body.String())
	}
	if b.Len() != 0 {
		t.Fatalf("table not empty: %d", b.Len())
	}
}

func TestSubscribeJSONResponse(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	sub := startSubscribe(r, context.Background(), "K1", http.Header{"Accept": {"application/json"}})
	waitPending(t, b, "K1", "")

	publish(r, `{"publicKey":"K1","encryptedPin":"p","transaction":{"raw":"0xdead"}}`)
	rec := receive(t, sub)
	var body struct {
		PublicKey   string          `json:"publicKey"`
		Transaction json.RawMessage `json:"transaction"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PublicKey != "K1" || string(body.Transaction) != `{"raw":"0xdead"}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestSecondSubscribeReplacesFirst(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	first := startSubscribe(r, ctx1, "K1", nil)
	info1 := waitPending(t, b, "K1", "")
	second := startSubscribe(r, context.Background(), "K1", nil)
	waitPending(t, b, "K1", info1.ID)

	publish(r, `{"publicKey":"K1","encryptedPin":"p","transaction":"tx1"}`)
	if rec := receive(t, second); rec.Code != http.StatusOK || rec.Body.String() != "K1" {
		t.Fatalf("second subscriber got %d %q", rec.Code, rec.Body.String())
	}
	assertBlocked(t, first)

	cancel1()
	receive(t, first)
}

func TestEvictedSubscriberDisconnectKeepsReplacement(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	ctx1, cancel1 := context.WithCancel(context.Background())
	first := startSubscribe(r, ctx1, "K1", nil)
	info1 := waitPending(t, b, "K1", "")
	second := startSubscribe(r, context.Background(), "K1", nil)
	info2 := waitPending(t, b, "K1", info1.ID)

	cancel1()
	receive(t, first)
	if got := b.Snapshot()["K1"].ID; got != info2.ID {
		t.Fatalf("replacement waiter lost: table holds %q, want %q", got, info2.ID)
	}

	publish(r, `{"publicKey":"K1","encryptedPin":"p","transaction":"tx1"}`)
	if rec := receive(t, second); rec.Code != http.StatusOK {
		t.Fatalf("second subscriber status = %d", rec.Code)
	}
}

func TestSubscribeRejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.OnConflict = config.ConflictReject
	r, b, _ := newTestRouter(t, cfg)

	first := startSubscribe(r, context.Background(), "K1", nil)
	waitPending(t, b, "K1", "")

	rec := receive(t, startSubscribe(r, context.Background(), "K1", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	publish(r, `{"publicKey":"K1","encryptedPin":"p","transaction":"tx1"}`)
	if rec := receive(t, first); rec.Code != http.StatusOK {
		t.Fatalf("first subscriber status = %d", rec.Code)
	}
}

func TestSubscribeDisconnectWithdrawsWaiter(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	sub := startSubscribe(r, ctx, "K3", nil)
	waitPending(t, b, "K3", "")

	cancel()
	receive(t, sub)
	if b.Len() != 0 {
		t.Fatalf("table not empty after disconnect: %d", b.Len())
	}
}

func TestSubscribeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SubscribeTimeout = 30 * time.Millisecond
	r, b, _ := newTestRouter(t, cfg)

	rec := receive(t, startSubscribe(r, context.Background(), "K1", nil))
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rec.Code)
	}
	if got := decodeError(t, rec); got != "subscription timed out" {
		t.Fatalf("error = %q", got)
	}
	if b.Len() != 0 {
		t.Fatalf("table not empty after timeout: %d", b.Len())
	}
}

func TestCancelSubscription(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	sub := startSubscribe(r, context.Background(), "K3", nil)
	waitPending(t, b, "K3", "")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/subscribe/K3/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel %d status = %d", i, rec.Code)
		}
	}

	rec := receive(t, sub)
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	if got := decodeError(t, rec); got != "subscription cancelled" {
		t.Fatalf("error = %q", got)
	}
	if b.Len() != 0 {
		t.Fatalf("table not empty: %d", b.Len())
	}
}

func TestSnapshotListsWaiters(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := startSubscribe(r, ctx, "K1", nil)
	info := waitPending(t, b, "K1", "")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Waiters map[string]struct {
			ID      string `json:"id"`
			Waiting string `json:"waiting"`
		} `json:"waiters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	entry, ok := body.Waiters["K1"]
	if !ok {
		t.Fatalf("K1 missing from snapshot %s", rec.Body.String())
	}
	if entry.ID != info.ID || entry.Waiting == "" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	cancel()
	receive(t, sub)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}

	publish(r, `{"publicKey":"nobody","encryptedPin":"p","transaction":"t"}`)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "signing_broker_publishes_dropped_total 1") {
		t.Fatalf("metrics missing dropped publish:\n%s", body)
	}
}

func TestEndToEndOverRealServer(t *testing.T) {
	r, b, _ := newTestRouter(t, testConfig())
	srv := httptest.NewServer(r)
	defer srv.Close()

	sub := get(srv.URL + "/subscribe/K1/")
	waitPending(t, b, "K1", "")

	resp, err := http.Post(srv.URL+"/publish/", "application/json", strings.NewReader(`{"publicKey":"K1","encryptedPin":"p","transaction":"tx1"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}

	if res := awaitResult(t, sub); res.status != http.StatusOK || res.body != "K1" {
		t.Fatalf("subscribe got %d %q", res.status, res.body)
	}
}

func TestSubscribeDuringShutdown(t *testing.T) {
	serverCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	r, b, _ := newTestRouter(t, testConfig(), WithServerContext(serverCtx))
	srv := httptest.NewUnstartedServer(r)
	srv.Config.BaseContext = func(net.Listener) context.Context { return serverCtx }
	srv.Start()
	defer srv.Close()

	sub := get(srv.URL + "/subscribe/K1/")
	waitPending(t, b, "K1", "")
	shutdown()

	res := awaitResult(t, sub)
	if res.status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body %q)", res.status, res.body)
	}
	if res.body != `{"error":"server shutting down"}` {
		t.Fatalf("body = %s", res.body)
	}
	if b.Len() != 0 {
		t.Fatalf("table not empty after shutdown: %d", b.Len())
	}
}

func TestAbandonDefersToEarlierRelease(t *testing.T) {
	b := broker.New()
	h := NewHandler(b, validation.New(), testConfig())

	cancelled := broker.NewWaiter()
	b.Register("K1", cancelled)
	b.Cancel("K1")
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/subscribe/K1/", nil)
	if h.abandon(c, "K1", cancelled) {
		t.Fatalf("abandon answered %d %q for a cancelled waiter", rec.Code, rec.Body.String())
	}
	if outcome, _ := cancelled.Result(); outcome != broker.Cancelled {
		t.Fatalf("outcome = %s, want cancelled", outcome)
	}

	pending := broker.NewWaiter()
	b.Register("K2", pending)
	rec = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/subscribe/K2/", nil)
	if !h.abandon(c, "K2", pending) {
		t.Fatal("abandon should withdraw a pending waiter")
	}
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rec.Code)
	}
	if b.Len() != 0 {
		t.Fatalf("table not empty: %d", b.Len())
	}
}

func TestRateLimitKeysOnSocketPeer(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		want    []int
	}{
		{"forwarded header ignored", nil, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}},
		{"trusted proxy forwards client", []string{"198.51.100.7"}, []int{http.StatusOK, http.StatusOK, http.StatusOK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := middleware.NewRateLimiter(0.001, 1, nil)
			defer limiter.Stop()
			r := NewRouter(RouterDeps{
				Handler:        NewHandler(broker.New(), validation.New(), testConfig()),
				Logger:         loggingutil.NoopLogger(),
				RateLimiter:    limiter,
				TrustedProxies: tt.trusted,
			})
			for i, want := range tt.want {
				rec := httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodPost, "/publish/", strings.NewReader(`{"publicKey":"K1","encryptedPin":"p","transaction":"t"}`))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
				req.RemoteAddr = "198.51.100.7:40000"
				r.ServeHTTP(rec, req)
				if rec.Code != want {
					t.Fatalf("request %d status = %d, want %d", i, rec.Code, want)
				}
			}
		})
	}
}

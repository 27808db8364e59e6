package github

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/models"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  string
)

func testPrivateKey(t *testing.T) string {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(crand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		var buf bytes.Buffer
		pem.Encode(&buf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		testKeyPEM = buf.String()
	})
	return testKeyPEM
}

type throttleCall struct {
	installationID int64
	until          float64
	reason         string
}

type throttleRecorder struct {
	mu    sync.Mutex
	calls []throttleCall
}

func (r *throttleRecorder) Set(ctx context.Context, installationID int64, until float64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, throttleCall{installationID, until, reason})
	return nil
}

func (r *throttleRecorder) last(t *testing.T) throttleCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		t.Fatal("expected a throttle call")
	}
	return r.calls[len(r.calls)-1]
}

// testHarness runs an API stub whose non-token routes are handled by fn, and
// counts token mints.
type testHarness struct {
	srv      *httptest.Server
	factory  *Factory
	throttle *throttleRecorder

	mu    sync.Mutex
	mints int
}

func newHarness(t *testing.T, fn http.HandlerFunc) *testHarness {
	t.Helper()
	h := &testHarness{throttle: &throttleRecorder{}}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/app/installations/") {
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				t.Errorf("token mint missing app JWT, got %q", r.Header.Get("Authorization"))
			}
			h.mu.Lock()
			h.mints++
			n := h.mints
			h.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"token":"tok-%d","expires_at":%q}`, n, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
			return
		}
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "token tok-") {
			t.Errorf("API call missing installation token, got %q", got)
		}
		fn(w, r)
	}))
	t.Cleanup(h.srv.Close)

	cfg := config.Defaults()
	cfg.AppID = "1234"
	cfg.AppPrivateKey = testPrivateKey(t)
	cfg.GitHubAPIURL = h.srv.URL
	f, err := NewFactory(&cfg, h.throttle)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	f.retryBase = time.Millisecond
	f.retryCap = 5 * time.Millisecond
	f.jitter = func() float64 { return 0 }
	h.factory = f
	return h
}

func (h *testHarness) mintCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mints
}

func prJSON(number int, labels ...string) string {
	var ls []string
	for _, l := range labels {
		ls = append(ls, fmt.Sprintf(`{"name":%q}`, l))
	}
	return fmt.Sprintf(`{"number":%d,"title":"t%d","labels":[%s],"head":{"ref":"f","sha":"abc"},"base":{"ref":"main"}}`,
		number, number, strings.Join(ls, ","))
}

func TestTokenMintedOncePerInstallation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, prJSON(1))
	})

	c := h.factory.Client(42)
	if _, err := c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 1); err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if _, err := c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 1); err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if got := h.mintCount(); got != 1 {
		t.Fatalf("expected 1 token mint for repeated calls, got %d", got)
	}

	// A different installation mints its own token.
	c2 := h.factory.Client(43)
	c2.GetPR(ctx, models.RepoRef{InstallationID: 43, Owner: "o", Repo: "r"}, 1)
	if got := h.mintCount(); got != 2 {
		t.Fatalf("expected a second mint for installation 43, got %d", got)
	}
}

func TestRetryOn5xx(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, prJSON(7))
	})

	c := h.factory.Client(42)
	pr, err := c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7)
	if err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if pr == nil || pr.Number != 7 {
		t.Fatalf("expected PR 7 after retries, got %+v", pr)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestExhaustedRetriesReturnLastResponse(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c := h.factory.Client(42)
	pr, err := c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7)
	if err != nil {
		t.Fatalf("a served (if unhappy) response should not error: %v", err)
	}
	if pr != nil {
		t.Fatalf("expected nil PR on 503, got %+v", pr)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestMergeNeverRetries(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"message":"Pull Request is not mergeable"}`)
	})

	c := h.factory.Client(42)
	ok, msg, err := c.MergePR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7, "squash", "t", "b")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ok {
		t.Fatal("merge should have failed")
	}
	if !strings.Contains(msg, "405") || !strings.Contains(msg, "not mergeable") {
		t.Fatalf("message should carry status and forge message, got %q", msg)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("merge must not retry, got %d attempts", got)
	}
}

func TestThrottleOnRetryAfter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	before := float64(time.Now().UnixNano()) / 1e9
	c := h.factory.Client(42)
	c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7)

	call := h.throttle.last(t)
	if call.installationID != 42 || call.reason != "retry_after" {
		t.Fatalf("bad throttle call: %+v", call)
	}
	if call.until < before+30 || call.until > before+35 {
		t.Fatalf("until should be ~now+30, got %v (now %v)", call.until, before)
	}
}

func TestThrottleSecondaryReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"You have exceeded a secondary rate limit"}`)
	})

	c := h.factory.Client(42)
	c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7)

	if call := h.throttle.last(t); call.reason != "secondary" {
		t.Fatalf("expected secondary reason, got %+v", call)
	}
}

func TestThrottleLowBudgetUsesReset(t *testing.T) {
	ctx := context.Background()
	reset := time.Now().Add(90 * time.Second).Unix()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
		fmt.Fprint(w, prJSON(7))
	})

	c := h.factory.Client(42)
	pr, err := c.GetPR(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7)
	if err != nil || pr == nil {
		t.Fatalf("the call itself should succeed: pr=%+v err=%v", pr, err)
	}
	call := h.throttle.last(t)
	if call.reason != "primary" {
		t.Fatalf("expected primary reason for low budget, got %+v", call)
	}
	if call.until != float64(reset) {
		t.Fatalf("until should be the reset epoch %d, got %v", reset, call.until)
	}
}

func TestGetCombinedStatusDegradesToPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := h.factory.Client(42)
	combined, err := c.GetCombinedStatus(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, "abc")
	if err != nil {
		t.Fatalf("combined status: %v", err)
	}
	if combined.State != "pending" {
		t.Fatalf("expected pending fallback, got %+v", combined)
	}
}

func TestListCheckSuites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":2,"check_suites":[{"conclusion":"success"},{"conclusion":null}]}`)
	})

	c := h.factory.Client(42)
	suites, err := c.ListCheckSuites(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, "abc")
	if err != nil {
		t.Fatalf("check suites: %v", err)
	}
	if len(suites) != 2 || suites[0].Conclusion != "success" || suites[1].Conclusion != "" {
		t.Fatalf("bad suites: %+v", suites)
	}
}

func TestListPRsWithLabelPaginates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if r.URL.Query().Get("state") != "open" {
			t.Errorf("expected state=open, got %q", r.URL.Query().Get("state"))
		}
		var entries []string
		switch page {
		case "1":
			for i := 1; i <= 100; i++ {
				if i%2 == 0 {
					entries = append(entries, prJSON(i, "automerge"))
				} else {
					entries = append(entries, prJSON(i))
				}
			}
		case "2":
			entries = append(entries, prJSON(101, "automerge"), prJSON(102))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(entries, ","))
	})

	c := h.factory.Client(42)
	prs, err := c.ListPRsWithLabel(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, "automerge")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prs) != 51 {
		t.Fatalf("expected 51 labeled PRs across pages, got %d", len(prs))
	}
	if prs[50].Number != 101 {
		t.Fatalf("expected page-2 PR last, got %d", prs[50].Number)
	}
}

func TestLoadRepoFileDecodesBase64(t *testing.T) {
	ctx := context.Background()
	content := "label: ship-it\nmerge_method: rebase\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	// The contents API wraps encoded payloads with newlines.
	wrapped := encoded[:12] + "\n" + encoded[12:]
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/contents/.github/automerge.yml") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := json.Marshal(map[string]string{"encoding": "base64", "content": wrapped})
		w.Write(body)
	})

	c := h.factory.Client(42)
	got, found, err := c.LoadRepoFile(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, ".github/automerge.yml")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got != content {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestLoadRepoFileMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := h.factory.Client(42)
	_, found, err := c.LoadRepoFile(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, ".github/automerge.yml")
	if err != nil || found {
		t.Fatalf("missing file should be a clean miss: found=%v err=%v", found, err)
	}
}

func TestUpdateBranchAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	c := h.factory.Client(42)
	ok, err := c.UpdateBranch(ctx, models.RepoRef{InstallationID: 42, Owner: "o", Repo: "r"}, 7)
	if err != nil || !ok {
		t.Fatalf("update branch: ok=%v err=%v", ok, err)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"v2raybridge/pkg/hash"
	"v2raybridge/pkg/jwt"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestBasicAuthChecksBcryptHash(t *testing.T) {
	hashed, err := hash.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	h := BasicAuth("prom", hashed)(okHandler)

	cases := []struct {
		user, pass string
		want       int
	}{
		{"prom", "s3cret", http.StatusOK},
		{"prom", "wrong", http.StatusUnauthorized},
		{"other", "s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s/%s: status %d, want %d", tc.user, tc.pass, rec.Code, tc.want)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header: status %d", rec.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	var subject any
	h := JWTAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = r.Context().Value(SubjectKey)
	}))

	token, err := jwt.GenerateToken("secret", "app", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/session/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || subject != "app" {
		t.Fatalf("valid token: status %d subject %v", rec.Code, subject)
	}

	for _, header := range []string{"", "Bearer ", "Basic abc", "Bearer nope"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/session/start", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%q: status %d", header, rec.Code)
		}
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("1.1.1.1") || !rl.Allow("1.1.1.1") {
		t.Fatal("requests within limit rejected")
	}
	if rl.Allow("1.1.1.1") {
		t.Fatal("request over limit allowed")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatal("limit shared between IPs")
	}

	now = now.Add(2 * time.Minute)
	if !rl.Allow("1.1.1.1") {
		t.Fatal("window did not reset")
	}
}

func TestRateLimiterIgnoresSourcePort(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	h := rl.Middleware(okHandler)

	for i, addr := range []string{"10.0.0.1:5000", "10.0.0.1:5001"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Errorf("%s: status %d, want %d", addr, rec.Code, want)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/channel", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "INVALID_ARGUMENTS") {
		t.Errorf("wrong content type: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/channel", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/channel", strings.NewReader(`{"method":"getV2RayStatus"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid request: %d", rec.Code)
	}
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status %d", rec.Code)
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingDenier struct {
	reasons []string
}

func (d *recordingDenier) RecordDenied(_ *http.Request, reason string) {
	d.reasons = append(d.reasons, reason)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AllowsMatchingToken(t *testing.T) {
	guard := NewStaticTokenGuard("s3cret", nil)
	h := guard.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	req.Header.Set(HeaderInternalToken, "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
}

func TestMiddleware_RejectsMissingAndWrongTokens(t *testing.T) {
	denier := &recordingDenier{}
	guard := NewStaticTokenGuard("s3cret", denier)
	h := guard.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status=%d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	req.Header.Set(HeaderInternalToken, "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status=%d, want 401", rec.Code)
	}

	if len(denier.reasons) != 2 || denier.reasons[0] != "missing_token" || denier.reasons[1] != "invalid_token" {
		t.Fatalf("denied reasons=%v", denier.reasons)
	}
}

func TestMiddleware_DisabledGuardPassesThrough(t *testing.T) {
	guard := NewStaticTokenGuard("", nil)
	h := guard.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 with guard disabled", rec.Code)
	}
}

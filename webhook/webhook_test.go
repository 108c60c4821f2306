package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestDispatcher builds a Dispatcher pointed at an httptest server,
// bypassing New's SSRF check (loopback is rejected there by design, but the
// Go client needs to dial httptest's own loopback listener).
func newTestDispatcher(url, secret string) *Dispatcher {
	return &Dispatcher{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 2 * time.Second},
		maxRetries: 2,
		logger:     slog.New(slog.DiscardHandler),
	}
}

func TestDispatch_Success(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL, "")
	if err := d.Dispatch(context.Background(), "media.processed", map[string]string{"media_id": "m1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Type != "media.processed" {
		t.Fatalf("type = %q, want media.processed", got.Type)
	}
}

func TestDispatch_SignsWithSecret(t *testing.T) {
	const secret = "s3cret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL, secret)
	if err := d.Dispatch(context.Background(), "media.processed", map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestDispatch_RetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL, "")
	d.maxRetries = 3
	start := time.Now()
	if err := d.Dispatch(context.Background(), "media.processed", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if atomic.LoadInt64(&attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if time.Since(start) < time.Second {
		t.Fatalf("expected at least one backoff delay before the retry")
	}
}

func TestDispatch_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL, "")
	d.maxRetries = 1
	err := d.Dispatch(context.Background(), "media.processed", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestNew_RejectsLoopback(t *testing.T) {
	if _, err := New("http://127.0.0.1:9999/hook"); err == nil {
		t.Fatal("expected loopback target to be rejected")
	}
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://example.com/hook"); err == nil {
		t.Fatal("expected non-http(s) scheme to be rejected")
	}
}

func TestNop_Dispatch(t *testing.T) {
	var s Sender = Nop{}
	if err := s.Dispatch(context.Background(), "anything", nil); err != nil {
		t.Fatalf("Nop.Dispatch: %v", err)
	}
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func fastSender(attempts int) *WebhookSender {
	s := NewWebhookSender(attempts, 2*time.Second)
	return s
}

func testPayload(t *testing.T) *Payload {
	t.Helper()
	p, err := BuildPayload("sub-1", testCandidate(), time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	return p
}

func TestSendSuccessFirstAttempt(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing Idempotency-Key header")
		}
		var body Payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := fastSender(3).Send(context.Background(), srv.URL, "", testPayload(t))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Load() != 1 {
		t.Errorf("attempts = %d, want 1", got.Load())
	}
	if res.HTTPStatus != 200 || len(res.AttemptLog) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := fastSender(3).Send(context.Background(), srv.URL, "", testPayload(t))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
	if len(res.AttemptLog) != 3 {
		t.Fatalf("attempt log = %d entries, want 3", len(res.AttemptLog))
	}
	if res.AttemptLog[0].Error == "" || res.AttemptLog[2].Error != "" {
		t.Errorf("attempt log = %+v", res.AttemptLog)
	}
}

func TestSendExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fastSender(3).Send(context.Background(), srv.URL, "", testPayload(t))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if sendErr.Attempts != 3 || sendErr.LastStatus != 500 {
		t.Errorf("SendError = %+v", sendErr)
	}
	if len(sendErr.AttemptLog) != 3 {
		t.Errorf("attempt log = %d entries, want 3", len(sendErr.AttemptLog))
	}
	for i, a := range sendErr.AttemptLog {
		if a.AttemptNo != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.AttemptNo)
		}
	}
}

func TestSendSignsWhenSecretSet(t *testing.T) {
	const secret = "whsec_test"
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		tsHeader := r.Header.Get("X-Veriscope-Timestamp")
		sigHeader := r.Header.Get("X-Veriscope-Signature")
		if tsHeader == "" || sigHeader == "" {
			t.Error("signature headers missing")
			return
		}
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			t.Errorf("timestamp %q: %v", tsHeader, err)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		const prefix = "v1="
		if len(sigHeader) <= len(prefix) || sigHeader[:len(prefix)] != prefix {
			t.Errorf("signature %q lacks v1= prefix", sigHeader)
			return
		}
		if !Verify(secret, ts, body, sigHeader[len(prefix):]) {
			t.Error("signature did not verify")
		}
	}))
	defer srv.Close()

	if _, err := fastSender(1).Send(context.Background(), srv.URL, secret, testPayload(t)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-done
}

func TestSendOmitsSignatureWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Veriscope-Signature") != "" || r.Header.Get("X-Veriscope-Timestamp") != "" {
			t.Error("signature headers present without a secret")
		}
	}))
	defer srv.Close()

	if _, err := fastSender(1).Send(context.Background(), srv.URL, "", testPayload(t)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"k":"v"}`)
	a := Sign("secret", 1755600000, body)
	b := Sign("secret", 1755600000, body)
	if a != b {
		t.Fatal("signature not deterministic")
	}
	if Sign("other", 1755600000, body) == a {
		t.Fatal("different secrets share a signature")
	}
	if !Verify("secret", 1755600000, body, a) {
		t.Fatal("Verify rejected a valid signature")
	}
	if Verify("secret", 1755600001, body, a) {
		t.Fatal("Verify accepted a shifted timestamp")
	}
}

func TestSendContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fastSender(3).Send(ctx, srv.URL, "", testPayload(t)); err == nil {
		t.Fatal("expected context error")
	}
}

package httpretry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func TestSend_ServerErrorExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{MaxAttempts: 4, BackoffBase: 10 * time.Millisecond}, WithSleep(rec.sleep))

	resp, err := c.Send(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("status exhaustion must not return an error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || string(resp.Body) != "busy" {
		t.Fatalf("expected last 503 response, got %d %q", resp.StatusCode, resp.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 calls, got %d", got)
	}
	if resp.Attempts != 4 {
		t.Fatalf("expected Attempts=4, got %d", resp.Attempts)
	}
	if len(rec.delays) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(rec.delays))
	}
	for i := 1; i < len(rec.delays); i++ {
		if rec.delays[i] < rec.delays[i-1] {
			t.Fatalf("delays must not decrease: %v", rec.delays)
		}
	}
}

func TestSend_NonRetryableReturnsImmediately(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound} {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
		}))

		rec := &sleepRecorder{}
		c := New(Config{}, WithSleep(rec.sleep))
		resp, err := c.Send(context.Background(), Request{URL: srv.URL})
		srv.Close()

		if err != nil {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if resp.StatusCode != status || calls != 1 || len(rec.delays) != 0 {
			t.Fatalf("status %d: got %d after %d calls and %d waits", status, resp.StatusCode, calls, len(rec.delays))
		}
	}
}

func TestSend_RecoversAfterTransientError(t *testing.T) {
	var calls int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{}, WithSleep(rec.sleep))
	resp, err := c.Send(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Auth:   BasicAuth{User: "u", Password: "k"},
		Body:   []byte(`{"placa":"ABC1234"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Attempts != 2 {
		t.Fatalf("expected 200 on attempt 2, got %d on %d", resp.StatusCode, resp.Attempts)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"placa":"ABC1234"}` {
		t.Fatalf("body must be resent on retry: %q", bodies)
	}
}

func TestSend_TransportFailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{MaxAttempts: 3, ConnectTimeout: time.Second, TotalTimeout: 2 * time.Second}, WithSleep(rec.sleep))
	resp, err := c.Send(context.Background(), Request{URL: url})
	if resp != nil {
		t.Fatalf("expected no response, got %d", resp.StatusCode)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 waits for 3 attempts, got %d", len(rec.delays))
	}
}

func TestDelay_ExponentialWithPenaltyAndJitter(t *testing.T) {
	mid := func() float64 { return 0.5 }
	c := New(Config{BackoffBase: 500 * time.Millisecond}, WithRand(mid))

	if d := c.Delay(1, 503); d != 500*time.Millisecond {
		t.Fatalf("attempt 1: %v", d)
	}
	if d := c.Delay(3, 500); d != 2*time.Second {
		t.Fatalf("attempt 3: %v", d)
	}
	if d := c.Delay(1, 429); d != 1500*time.Millisecond {
		t.Fatalf("429 penalty: %v", d)
	}

	low := New(Config{BackoffBase: time.Second}, WithRand(func() float64 { return 0 }))
	high := New(Config{BackoffBase: time.Second}, WithRand(func() float64 { return 0.999999 }))
	if d := low.Delay(1, 0); d != 800*time.Millisecond {
		t.Fatalf("lower jitter bound: %v", d)
	}
	if d := high.Delay(1, 0); d < 1199*time.Millisecond || d > 1200*time.Millisecond {
		t.Fatalf("upper jitter bound: %v", d)
	}
}

func TestDelay_RateLimitNeverDecreases(t *testing.T) {
	seq := []float64{0.999, 0.0, 0.999, 0.0}
	i := 0
	c := New(Config{BackoffBase: 500 * time.Millisecond}, WithRand(func() float64 {
		v := seq[i%len(seq)]
		i++
		return v
	}))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := c.Delay(attempt, http.StatusTooManyRequests)
		if d < prev {
			t.Fatalf("attempt %d waited %v after %v", attempt, d, prev)
		}
		if d < time.Second {
			t.Fatalf("attempt %d lost the rate limit penalty: %v", attempt, d)
		}
		prev = d
	}
}

func TestSend_ContextCancelStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Config{MaxAttempts: 5}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Send(ctx, Request{URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

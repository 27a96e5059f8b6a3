package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubStartsOffline(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	if h.Online() {
		t.Error("hub should start offline")
	}
}

func TestHubDispatchesTransitions(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var transitions int32
	var last atomic.Bool
	cancel := h.Subscribe(func(online bool) {
		atomic.AddInt32(&transitions, 1)
		last.Store(online)
	})
	defer cancel()

	h.SetOnline(true)
	waitFor(t, func() bool { return atomic.LoadInt32(&transitions) == 1 }, "no transition delivered")
	if !last.Load() {
		t.Error("delivered state should be online")
	}

	// Same state again: no dispatch.
	h.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&transitions); n != 1 {
		t.Errorf("duplicate state dispatched: %d transitions", n)
	}

	h.SetOnline(false)
	waitFor(t, func() bool { return atomic.LoadInt32(&transitions) == 2 }, "offline transition not delivered")
}

func TestSubscribeCancel(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var fired int32
	cancel := h.Subscribe(func(bool) { atomic.AddInt32(&fired, 1) })
	cancel()

	h.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled subscriber still fired")
	}
}

func TestWaitOnline(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- h.WaitOnline(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	h.SetOnline(true)

	if err := <-errCh; err != nil {
		t.Fatalf("WaitOnline: %v", err)
	}
}

func TestWaitOnlineTimeout(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.WaitOnline(ctx); err == nil {
		t.Fatal("expected context error while offline")
	}
}

func TestProbeMonitor(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHub(nil)
	defer h.Close()

	p := NewProbeMonitor(h, srv.URL, 20*time.Millisecond, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	waitFor(t, h.Online, "probe never reported online")

	healthy.Store(false)
	waitFor(t, func() bool { return !h.Online() }, "probe never reported offline")
}

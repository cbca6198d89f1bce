package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeProbe reports a settable reachability result.
type fakeProbe struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProbe) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProbe) Check(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func newTestMonitor(probe Probe, requestSync RequestSyncFunc) *Monitor {
	return New(probe, requestSync, &Config{
		ProbeInterval:     time.Hour, // loops driven manually in tests
		ConfirmDelay:      50 * time.Millisecond,
		SafetyNetInterval: time.Hour,
	})
}

// TestMonitor_StartsOffline tests the initial state
func TestMonitor_StartsOffline(t *testing.T) {
	m := newTestMonitor(&fakeProbe{}, nil)
	if m.Online() {
		t.Error("new monitor reports online, want offline until confirmed")
	}
}

// TestTransition_RequiresConfirmation tests the two-probe debounce
func TestTransition_RequiresConfirmation(t *testing.T) {
	probe := &fakeProbe{err: nil}
	m := newTestMonitor(probe, nil)

	// Both probes agree: offline -> online.
	m.probeAndMaybeTransition()
	if !m.Online() {
		t.Fatal("confirmed reachable probes did not flip state online")
	}

	// First probe disagrees but the confirming probe recovered: no flap.
	probe.set(errors.New("blip"))
	go func() {
		time.Sleep(10 * time.Millisecond)
		probe.set(nil)
	}()
	m.probeAndMaybeTransition()
	if !m.Online() {
		t.Error("single failed probe flipped state, want debounce")
	}

	// Sustained failure transitions offline.
	probe.set(errors.New("down"))
	m.probeAndMaybeTransition()
	if m.Online() {
		t.Error("confirmed failed probes did not flip state offline")
	}
}

// TestTransition_OnlineRequestsSync tests the offline->online sync trigger
func TestTransition_OnlineRequestsSync(t *testing.T) {
	var mu sync.Mutex
	var reasons []string

	probe := &fakeProbe{}
	m := newTestMonitor(probe, func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	m.probeAndMaybeTransition()

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "connectivity restored" {
		t.Errorf("sync requests = %v, want one restore trigger", reasons)
	}
}

// TestTransition_Callback tests the OnTransition notification
func TestTransition_Callback(t *testing.T) {
	var mu sync.Mutex
	var states []bool

	probe := &fakeProbe{}
	m := New(probe, nil, &Config{
		ProbeInterval:     time.Hour,
		ConfirmDelay:      time.Millisecond,
		SafetyNetInterval: time.Hour, // unused; loop driven manually
		OnTransition: func(online bool) {
			mu.Lock()
			states = append(states, online)
			mu.Unlock()
		},
	})

	m.probeAndMaybeTransition() // offline -> online
	probe.set(errors.New("down"))
	m.probeAndMaybeTransition() // online -> offline

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("transition callbacks = %v, want [true false]", states)
	}
}

// TestSignalHint_NeverBlocksOrFlips tests that hints only schedule probes
func TestSignalHint_NeverBlocksOrFlips(t *testing.T) {
	m := newTestMonitor(&fakeProbe{err: errors.New("down")}, nil)

	// Flood far past the buffer; must not block.
	for i := 0; i < 100; i++ {
		m.SignalHint(true)
	}
	if m.Online() {
		t.Error("hint flipped state without a confirming probe")
	}
}

// TestHTTPProbe tests reachability classification of the health endpoint
func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"client error still reachable", http.StatusNotFound, false},
		{"server error unreachable", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			probe := NewHTTPProbe(srv.URL)
			err := probe.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestStartStop tests lifecycle cleanliness
func TestStartStop(t *testing.T) {
	m := newTestMonitor(&fakeProbe{}, nil)
	m.Start()
	m.Stop() // must return promptly without leaking goroutines
}

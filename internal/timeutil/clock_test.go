package timeutil

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Now(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() moved without AutoAdvance: %v", got)
	}
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(1500 * time.Millisecond)
	if got := clock.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}

	later := start.Add(time.Hour)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestMockClock_AutoAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.AutoAdvance(10 * time.Millisecond)

	t0 := clock.Now()
	t1 := clock.Now()
	if d := t1.Sub(t0); d != 10*time.Millisecond {
		t.Errorf("consecutive Now() differ by %v, want 10ms", d)
	}
	// Since does not step the clock.
	if d := clock.Since(t0); d != 20*time.Millisecond {
		t.Errorf("Since() = %v, want 20ms", d)
	}
	if d := clock.Since(t0); d != 20*time.Millisecond {
		t.Errorf("second Since() = %v, want 20ms", d)
	}
}

func TestMockClock_Concurrent(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	clock.AutoAdvance(time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Now()
			}
		}()
	}
	wg.Wait()

	if got := clock.Since(time.Unix(0, 0)); got != 800*time.Millisecond {
		t.Errorf("Since() = %v after 800 steps, want 800ms", got)
	}
}

func TestUnixSeconds(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want float64
	}{
		{"zero", time.Time{}, 0},
		{"epoch second", time.Unix(1, 0), 1},
		{"fraction", time.Unix(1700000000, 250*int64(time.Millisecond)), 1700000000.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnixSeconds(tt.in); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("UnixSeconds(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromUnixSeconds(t *testing.T) {
	if got := FromUnixSeconds(0); !got.IsZero() {
		t.Errorf("FromUnixSeconds(0) = %v, want zero time", got)
	}

	in := time.Date(2025, 6, 1, 12, 30, 15, 123456000, time.UTC)
	got := FromUnixSeconds(UnixSeconds(in))
	if !got.Equal(in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}

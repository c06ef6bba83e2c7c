package exchange

import "testing"

func TestReconnectPolicy_NextBackoff_ExponentialGrowth(t *testing.T) {
	p := ReconnectPolicy{Base: 100 * 1_000_000, Max: 10_000 * 1_000_000, Jitter: 0}
	noJitter := func() float64 { return 0.5 }

	cases := []struct {
		attempt int
		want    int64
	}{
		{1, 100 * 1_000_000},
		{2, 200 * 1_000_000},
		{3, 400 * 1_000_000},
		{4, 800 * 1_000_000},
	}
	for _, c := range cases {
		got := p.NextBackoff(c.attempt, noJitter)
		if int64(got) != c.want {
			t.Errorf("attempt %d: expected %d, got %d", c.attempt, c.want, int64(got))
		}
	}
}

func TestReconnectPolicy_NextBackoff_CapsAtMax(t *testing.T) {
	p := ReconnectPolicy{Base: 1_000_000, Max: 5_000_000, Jitter: 0}
	got := p.NextBackoff(10, func() float64 { return 0.5 })
	if int64(got) != 5_000_000 {
		t.Errorf("expected backoff capped at Max=5ms, got %v", got)
	}
}

func TestReconnectPolicy_NextBackoff_JitterBounds(t *testing.T) {
	p := DefaultReconnectPolicy()

	low := p.NextBackoff(1, func() float64 { return 0 })
	high := p.NextBackoff(1, func() float64 { return 1 })

	lowWant := float64(p.Base) * (1 - p.Jitter)
	highWant := float64(p.Base) * (1 + p.Jitter)

	if float64(low) != lowWant {
		t.Errorf("expected lower jitter bound %v, got %v", lowWant, low)
	}
	if float64(high) != highWant {
		t.Errorf("expected upper jitter bound %v, got %v", highWant, high)
	}
}

func TestReconnectPolicy_NextBackoff_FirstAttemptDoesNotDouble(t *testing.T) {
	p := ReconnectPolicy{Base: 250_000_000, Max: 30_000_000_000, Jitter: 0}
	got := p.NextBackoff(1, func() float64 { return 0.5 })
	if got != p.Base {
		t.Errorf("expected first attempt to equal Base, got %v", got)
	}
}

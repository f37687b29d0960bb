package back

import (
	"math"
	"testing"
)

func TestQueuePressure(t *testing.T) {
	cases := []struct {
		size, active int
		expected     float64
	}{
		{0, 100, 0.0},
		{-1, 100, 0.0},
		{10, 0, 1.0},
		{5, 40, 0.5},   // small ladder, x4 scale
		{10, 100, 0.2}, // mid ladder, x2 scale
		{50, 500, 0.1}, // large ladder, x1 scale
		{100, 2000, 0.025},
		{80, 100, 1.0}, // clamped
	}

	for _, c := range cases {
		actual := QueuePressure(c.size, c.active)
		if math.Abs(actual-c.expected) > 1e-9 {
			t.Errorf(
				"QueuePressure(%d, %d) = %f, expected %f",
				c.size, c.active, actual, c.expected,
			)
		}
		if actual < 0 || actual > 1 {
			t.Errorf("QueuePressure(%d, %d) = %f out of [0, 1]", c.size, c.active, actual)
		}
	}
}

func TestTierThresholds(t *testing.T) {
	balanced, aggressive := BalancedProfile(), AggressiveProfile()

	cases := []struct {
		profile  Profile
		pressure float64
		expected Tier
	}{
		{balanced, 0.0, TierLow},
		{balanced, 0.32, TierLow},
		{balanced, 0.33, TierModerate},
		{balanced, 0.65, TierModerate},
		{balanced, 0.66, TierHigh},
		{balanced, 1.0, TierHigh},
		{aggressive, 0.24, TierLow},
		{aggressive, 0.25, TierModerate},
		{aggressive, 0.50, TierHigh},
	}

	for _, c := range cases {
		if actual := c.profile.TierFor(c.pressure); actual != c.expected {
			t.Errorf(
				"%s.TierFor(%f) = %s, expected %s",
				c.profile.Name, c.pressure, actual, c.expected,
			)
		}
	}
}

func TestWindowGrowsWithWaitCycles(t *testing.T) {
	p := BalancedProfile()

	for _, tier := range []Tier{TierLow, TierModerate, TierHigh} {
		prev := -1.0
		for cycles := 0; cycles < 20; cycles++ {
			w := p.Window(tier, cycles)
			if w <= prev {
				t.Fatalf("window shrank at tier %s, cycle %d", tier, cycles)
			}
			prev = w
		}
	}

	if p.Window(TierLow, 0) != 100 {
		t.Errorf("expected base low window 100, got %f", p.Window(TierLow, 0))
	}
	if p.Window(TierHigh, 5) != 500 {
		t.Errorf("expected high window 500 after 5 cycles, got %f", p.Window(TierHigh, 5))
	}
}

func TestAggressiveProfileIsWiderThanBalanced(t *testing.T) {
	balanced, aggressive := BalancedProfile(), AggressiveProfile()

	for _, tier := range []Tier{TierLow, TierModerate, TierHigh} {
		for _, cycles := range []int{0, 5, 10} {
			if aggressive.Window(tier, cycles) <= balanced.Window(tier, cycles) {
				t.Errorf(
					"expected aggressive window to be wider at tier %s, cycle %d",
					tier, cycles,
				)
			}
		}
	}
}

func TestWaitPriorityEscalates(t *testing.T) {
	balanced, aggressive := BalancedProfile(), AggressiveProfile()

	if balanced.WaitPriority(0) != 0 {
		t.Errorf("expected zero priority for a fresh entry")
	}
	if balanced.WaitPriority(4) >= balanced.WaitPriority(9) {
		t.Errorf("expected priority to grow with wait cycles")
	}
	if aggressive.WaitPriority(10) <= balanced.WaitPriority(10) {
		t.Errorf("expected aggressive priority to escalate faster")
	}
}

func TestProfileByName(t *testing.T) {
	for name, expected := range map[string]string{
		"":           "balanced",
		"balanced":   "balanced",
		"Aggressive": "aggressive",
	} {
		p, err := ProfileByName(name)
		if err != nil {
			t.Fatal(err)
		}
		if p.Name != expected {
			t.Errorf("ProfileByName(%q).Name = %q, expected %q", name, p.Name, expected)
		}
	}

	if _, err := ProfileByName("casual"); err == nil {
		t.Error("expected an error for an unknown profile")
	}
}

package planner

import (
	"testing"
)

func TestDetectCancellation(t *testing.T) {
	cases := []struct {
		msg  string
		want cancelIntent
	}{
		{"", cancelNone},
		{"what's the weather like", cancelNone},
		{"I want to cancel culture essays", cancelNone},
		{"cancel", cancelSingle},
		{"cancel it", cancelSingle},
		{"Cancel it.", cancelSingle},
		{"never mind", cancelSingle},
		{"forget it", cancelSingle},
		{"not interested in that restaurant anymore", cancelSingle},
		{"cancel everything", cancelAll},
		{"stop everything please", cancelAll},
		{"cancel all of it", cancelAll},
		{"I don't want any of this, cancel everything now", cancelAll},
	}
	for _, c := range cases {
		if got := detectCancellation(c.msg); got != c.want {
			t.Errorf("detectCancellation(%q) = %d, want %d", c.msg, got, c.want)
		}
	}
}

func TestDetectPriceIntent(t *testing.T) {
	cases := []struct {
		msg       string
		tool      string
		hasResult bool
		want      bool
		topic     string
	}{
		{"compare biryani deals on swiggy and zomato", "", false, true, "delivery platforms"},
		{"is this the cheapest laptop", "", false, true, "prices"},
		{"what's for dinner", "", false, false, ""},
		{"", "swiggy_search", false, true, "delivery platforms"},
		{"", "price_lookup", false, true, "prices"},
		{"here are the results", "restaurant_menu", true, true, "prices"},
		{"here are the results", "", true, false, ""},
	}
	for _, c := range cases {
		got, topic := detectPriceIntent(c.msg, c.tool, c.hasResult)
		if got != c.want || topic != c.topic {
			t.Errorf("detectPriceIntent(%q, %q, %v) = (%v, %q), want (%v, %q)",
				c.msg, c.tool, c.hasResult, got, topic, c.want, c.topic)
		}
	}
}

func TestDetectBookingIntent(t *testing.T) {
	yes := []string{
		"go ahead and book it",
		"place the order",
		"okay confirm the reservation",
		"let's checkout",
		"I'll buy the blue one",
	}
	no := []string{
		"which one is cheaper",
		"tell me more",
		"",
	}
	for _, msg := range yes {
		if !detectBookingIntent(msg) {
			t.Errorf("detectBookingIntent(%q) = false, want true", msg)
		}
	}
	for _, msg := range no {
		if detectBookingIntent(msg) {
			t.Errorf("detectBookingIntent(%q) = true, want false", msg)
		}
	}
}

func TestPulseBoost(t *testing.T) {
	cases := []struct {
		pulse string
		want  int
	}{
		{PulseProactive, 2},
		{PulseEngaged, 1},
		{PulseCurious, 0},
		{PulsePassive, -1},
		{"", -1},
		{"UNKNOWN", -1},
	}
	for _, c := range cases {
		if got := pulseBoost(c.pulse); got != c.want {
			t.Errorf("pulseBoost(%q) = %d, want %d", c.pulse, got, c.want)
		}
	}
}

func TestComplexEnough(t *testing.T) {
	if complexEnough("simple") || complexEnough("") {
		t.Error("simple/absent complexity should not qualify")
	}
	if !complexEnough("moderate") || !complexEnough("complex") || !complexEnough("Moderate") {
		t.Error("moderate/complex should qualify")
	}
}

package planner

import (
	"strings"
)

// Pulse is the external engagement signal biasing goal priority.
const (
	PulsePassive   = "PASSIVE"
	PulseCurious   = "CURIOUS"
	PulseEngaged   = "ENGAGED"
	PulseProactive = "PROACTIVE"
)

// pulseBoost maps a pulse state to its priority delta. These are
// product-tuned values; do not adjust without product direction.
func pulseBoost(pulse string) int {
	switch pulse {
	case PulseProactive:
		return 2
	case PulseEngaged:
		return 1
	case PulseCurious:
		return 0
	default: // PASSIVE or absent
		return -1
	}
}

type cancelIntent int

const (
	cancelNone cancelIntent = iota
	cancelSingle
	cancelAll
)

// Short exact opt-out phrases. Matched against the whole trimmed
// message only when it is at most five words.
var exactOptOuts = map[string]bool{
	"cancel":      true,
	"cancel it":   true,
	"cancel that": true,
	"stop":        true,
	"stop it":     true,
	"never mind":  true,
	"nevermind":   true,
	"forget it":   true,
	"drop it":     true,
	"leave it":    true,
	"not now":     true,
	"no thanks":   true,
}

// Multi-word cancel patterns matched anywhere in the message.
var cancelPatterns = []string{
	"cancel everything",
	"cancel all",
	"cancel the",
	"cancel my",
	"stop everything",
	"stop the",
	"call it off",
	"forget about",
	"don't want",
	"do not want",
	"not interested",
}

// "Everything/all" variants that widen a cancellation to the whole stack.
var cancelAllMarkers = []string{
	"everything",
	"all of",
	"it all",
	"cancel all",
	"stop all",
	"abandon all",
}

// detectCancellation classifies a message as no cancellation, a
// single-goal opt-out, or a full-stack cancellation. Keyword heuristic;
// ambiguous phrasing can misclassify and that is accepted.
func detectCancellation(message string) cancelIntent {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return cancelNone
	}

	matched := false
	if len(strings.Fields(msg)) <= 5 {
		trimmed := strings.Trim(msg, ".!?")
		if exactOptOuts[trimmed] {
			matched = true
		}
	}
	if !matched {
		for _, p := range cancelPatterns {
			if strings.Contains(msg, p) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return cancelNone
	}

	for _, m := range cancelAllMarkers {
		if strings.Contains(msg, m) {
			return cancelAll
		}
	}
	return cancelSingle
}

// Comparison and delivery-platform terms that signal price intent.
var priceTerms = []string{
	"price", "prices", "pricing",
	"compare", "comparison",
	"cheaper", "cheapest",
	"deal", "deals", "discount", "offers",
	"swiggy", "zomato", "delivery",
}

// Terms that pin the price topic to delivery platforms.
var deliveryTerms = []string{"swiggy", "zomato", "delivery"}

// detectPriceIntent reports whether the turn shows price-comparison
// intent and the detected topic. Fires on message keywords, an active
// tool whose name matches those terms, or a tool result arriving while
// a tool is active.
func detectPriceIntent(message, activeTool string, hasToolResult bool) (bool, string) {
	msg := strings.ToLower(message)
	tool := strings.ToLower(activeTool)

	fired := false
	for _, t := range priceTerms {
		if strings.Contains(msg, t) || strings.Contains(tool, t) {
			fired = true
			break
		}
	}
	if !fired && hasToolResult && tool != "" {
		fired = true
	}
	if !fired {
		return false, ""
	}

	for _, t := range deliveryTerms {
		if strings.Contains(msg, t) || strings.Contains(tool, t) {
			return true, "delivery platforms"
		}
	}
	return true, "prices"
}

// Order/checkout terms that signal the user wants to convert.
var bookingTerms = []string{
	"book", "booking",
	"order", "checkout", "check out",
	"buy", "purchase",
	"confirm", "go ahead", "proceed",
	"place the order",
}

// detectBookingIntent reports whether the message asks to convert.
func detectBookingIntent(message string) bool {
	msg := strings.ToLower(message)
	for _, t := range bookingTerms {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

// complexEnough reports whether classifier complexity warrants a
// fallback goal.
func complexEnough(complexity string) bool {
	switch strings.ToLower(complexity) {
	case "moderate", "complex":
		return true
	}
	return false
}

// Package scoring converts detected signals into a bounded behavioral
// score. Exactly one direction is used everywhere: 100 means no suspicious
// signal, and each weighted finding subtracts from it, floored at 0.
package scoring

import "strings"

// MaxScore is the score of an artifact with no suspicious signal.
const MaxScore = 100

// defaultWeight applies to signal categories missing from the table, so an
// unknown category still moves the score instead of vanishing.
const defaultWeight = 10

// weights is the fixed per-category penalty table. A signal's category is
// the prefix before the first colon, e.g. "sensitive_data: password in
// cleartext" weighs 30.
var weights = map[string]int{
	"sensitive_data":      30,
	"malware_keyword":     40,
	"network_pattern":     25,
	"exploit_pattern":     35,
	"high_entropy":        15,
	"obfuscation":         20,
	"suspicious_metadata": 10,
	"embedded_executable": 30,
	"macro":               25,
}

// Score aggregates behaviors and threat indicators into one bounded score.
// Duplicate signals count once.
func Score(behaviors, indicators []string) int {
	seen := make(map[string]struct{}, len(behaviors)+len(indicators))
	penalty := 0

	for _, list := range [][]string{behaviors, indicators} {
		for _, signal := range list {
			signal = strings.TrimSpace(signal)
			if signal == "" {
				continue
			}
			if _, dup := seen[signal]; dup {
				continue
			}
			seen[signal] = struct{}{}
			penalty += Weight(signal)
		}
	}

	if penalty >= MaxScore {
		return 0
	}
	return MaxScore - penalty
}

// Weight returns the penalty for one signal.
func Weight(signal string) int {
	category := signal
	if i := strings.IndexByte(signal, ':'); i >= 0 {
		category = signal[:i]
	}
	category = strings.ToLower(strings.TrimSpace(category))

	if w, ok := weights[category]; ok {
		return w
	}
	return defaultWeight
}

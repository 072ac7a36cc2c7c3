// Package strings provides string list helpers for configuration parsing.
package strings

import (
	"strings"
)

// SplitList splits v on sep, trims each element and drops empty and repeated
// elements. Order is preserved.
//
//	SplitList(" kafka-1:9092, kafka-2:9092,,kafka-1:9092 ", ",")
//	// Returns: []string{"kafka-1:9092", "kafka-2:9092"}
func SplitList(v, sep string) []string {
	var out []string
	seen := make(map[string]struct{})
	for part := range strings.SplitSeq(v, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

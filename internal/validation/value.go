// Package validation checks candidate pool values before they are sealed.
// A bad value discovered at rotation time means an outage, so problems are
// surfaced when the pool is seeded instead.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// minRecommendedLength is advisory only; short values are accepted with a
// warning because some providers issue short tokens.
const minRecommendedLength = 8

// Result contains the outcome of validating one or more values.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *Result) addError(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// CheckValue validates a single candidate value. Positions in messages are
// 1-based so they line up with --key order and file line counting.
func CheckValue(value string) *Result {
	result := &Result{Valid: true}
	checkOne(result, value, 0)
	return result
}

// CheckBatch validates a seed batch as a whole, including duplicate
// detection. Duplicates defeat rotation (the "new" value would equal a past
// one), so they are rejected.
func CheckBatch(values []string) *Result {
	result := &Result{Valid: true}

	seen := make(map[string]int, len(values))
	for i, v := range values {
		checkOne(result, v, i+1)
		if prev, dup := seen[v]; dup {
			result.addError("value %d duplicates value %d", i+1, prev)
			continue
		}
		seen[v] = i + 1
	}

	return result
}

func checkOne(result *Result, value string, position int) {
	label := "value"
	if position > 0 {
		label = fmt.Sprintf("value %d", position)
	}

	if value == "" {
		result.addError("%s is empty", label)
		return
	}

	if strings.TrimSpace(value) != value {
		result.addError("%s has leading or trailing whitespace", label)
	}

	for _, r := range value {
		if unicode.IsControl(r) {
			result.addError("%s contains control characters", label)
			break
		}
	}

	if len(value) < minRecommendedLength {
		result.addWarning("%s is shorter than %d characters", label, minRecommendedLength)
	}
}

package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var offsetTailPattern = regexp.MustCompile(`(?i)\bOFFSET\s+\d+\s+ROWS?\s*$`)

// Bounded returns the statement text rewritten so the server materializes at
// most n rows. Declared TOP and FETCH limits above n are clamped down to n;
// statements without any limit gain a trailing OFFSET/FETCH clause. Executors
// pass their cap plus one so a clamped statement still reports truncation.
func (s Validated) Bounded(n int) string {
	if n <= 0 || s.sql == "" {
		return s.sql
	}
	stmt := stripTrailingTerminator(strings.TrimSpace(s.sql))

	if _, limited := rowLimit(scrub(stmt)); limited {
		return clampLimits(stmt, n)
	}

	switch {
	case offsetTailPattern.MatchString(stmt):
		return fmt.Sprintf("%s FETCH NEXT %d ROWS ONLY", stmt, n)
	case ordersAtTopLevel(stmt):
		return fmt.Sprintf("%s OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", stmt, n)
	default:
		// OFFSET/FETCH needs an ORDER BY; a constant one adds no sort cost.
		return fmt.Sprintf("%s ORDER BY (SELECT NULL) OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", stmt, n)
	}
}

// clampLimits lowers every numeric TOP/FETCH limit above n to n.
func clampLimits(stmt string, n int) string {
	for _, pattern := range []*regexp.Regexp{topPattern, fetchPattern} {
		stmt = pattern.ReplaceAllStringFunc(stmt, func(m string) string {
			sub := pattern.FindStringSubmatch(m)
			if sub == nil || (len(sub) > 2 && sub[2] != "") {
				return m
			}
			v, err := strconv.Atoi(sub[1])
			if err != nil || v <= n {
				return m
			}
			return strings.Replace(m, sub[1], strconv.Itoa(n), 1)
		})
	}
	return stmt
}

// ordersAtTopLevel reports an ORDER BY outside all parentheses, which is the
// clause OFFSET/FETCH can legally extend.
func ordersAtTopLevel(stmt string) bool {
	for _, loc := range orderByPattern.FindAllStringIndex(stmt, -1) {
		if parenDepth(stmt, loc[0]) == 0 {
			return true
		}
	}
	return false
}

// Package sqlguard validates candidate SQL statements against the safety
// contract: single read-only SELECT, allow-listed objects only, deterministic
// row-limited results, bounded shape. Validation is a pure function of the
// statement text and the catalog; it performs no I/O and returns the same
// verdict for the same input on every call.
package sqlguard

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/txn2/mcp-nlsql/pkg/schema"
)

// bannedKeywords are statement tokens that make a candidate non-read-only.
// Matching is by token, not substring, so identifiers that merely contain
// a banned word (e.g. UpdatedAt) do not trip the check.
var bannedKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {},
	"CREATE": {}, "ALTER": {}, "DROP": {}, "TRUNCATE": {},
	"EXEC": {}, "EXECUTE": {}, "BULK": {}, "BACKUP": {}, "RESTORE": {},
	"GRANT": {}, "REVOKE": {}, "DENY": {}, "DBCC": {},
	"SHUTDOWN": {}, "KILL": {}, "CHECKPOINT": {}, "RECONFIGURE": {},
	"OPENROWSET": {}, "OPENQUERY": {},
}

// Limits bounds the statement shapes the validator accepts.
type Limits struct {
	// MaxRowCap is the largest row limit a statement may request.
	MaxRowCap int

	// MaxSubqueryDepth is the deepest allowed subquery nesting.
	MaxSubqueryDepth int
}

const (
	defaultMaxRowCap        = 10000
	defaultMaxSubqueryDepth = 3
)

// Validator checks candidate statements against the catalog and limits.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	catalog *schema.Catalog
	limits  Limits
}

// New creates a validator for the given catalog and limits.
func New(catalog *schema.Catalog, limits Limits) *Validator {
	if limits.MaxRowCap == 0 {
		limits.MaxRowCap = defaultMaxRowCap
	}
	if limits.MaxSubqueryDepth == 0 {
		limits.MaxSubqueryDepth = defaultMaxSubqueryDepth
	}
	return &Validator{catalog: catalog, limits: limits}
}

// Validated is an accepted statement. Only Admit mints one, so any code
// holding a Validated knows its text passed every safety check.
type Validated struct {
	sql     string
	objects []string
}

// SQL returns the accepted statement text.
func (s Validated) SQL() string { return s.sql }

// Objects returns the allow-listed objects the statement references.
func (s Validated) Objects() []string { return append([]string(nil), s.objects...) }

// Admit validates sql and, when the verdict is accepted, returns the
// statement wrapped as Validated. Executors take Validated rather than raw
// text so an unvalidated statement cannot reach the database.
func (v *Validator) Admit(sql string) (Validated, Verdict) {
	verdict := v.Validate(sql)
	if !verdict.Accepted {
		return Validated{}, verdict
	}
	return Validated{sql: sql, objects: verdict.Objects}, verdict
}

// Validate runs the ordered safety checks; the first failing check wins.
func (v *Validator) Validate(sql string) Verdict {
	scrubbed := strings.TrimSpace(scrub(sql))
	if scrubbed == "" {
		return reject(ReasonEmpty, "")
	}

	stmt := stripTrailingTerminator(scrubbed)
	if strings.Contains(stmt, ";") {
		return reject(ReasonMultiStatement, "statement separator found after the first statement")
	}

	switch firstKeyword(stmt) {
	case "SELECT", "WITH":
	default:
		return reject(ReasonNotSelect, "statement must start with SELECT or WITH")
	}

	if verdict, bad := v.checkTokens(stmt); bad {
		return verdict
	}

	objects, verdict, bad := v.checkObjects(stmt)
	if bad {
		return verdict
	}

	if verdict, bad := v.checkDeterminism(stmt, objects); bad {
		return verdict
	}

	if verdict, bad := v.checkRowCap(stmt); bad {
		return verdict
	}

	if depth := subqueryDepth(stmt); depth > v.limits.MaxSubqueryDepth {
		return reject(ReasonDepthExceeded,
			fmt.Sprintf("subquery depth %d exceeds limit %d", depth, v.limits.MaxSubqueryDepth))
	}

	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, obj.Name)
	}
	return accept(names)
}

// checkTokens scans word tokens for banned keywords, temp-table references
// and stored-procedure prefixes.
func (*Validator) checkTokens(stmt string) (Verdict, bool) {
	var found []string
	for _, token := range tokenize(stmt) {
		upper := strings.ToUpper(token)
		if _, banned := bannedKeywords[upper]; banned {
			found = append(found, upper)
			continue
		}
		if strings.HasPrefix(upper, "#") {
			return reject(ReasonBannedKeyword, "temporary tables are not allowed"), true
		}
		last := upper
		if i := strings.LastIndex(upper, "."); i >= 0 {
			last = upper[i+1:]
		}
		if strings.HasPrefix(last, "SP_") || strings.HasPrefix(last, "XP_") {
			return reject(ReasonBannedKeyword, "stored procedures are not allowed"), true
		}
	}
	if len(found) > 0 {
		sort.Strings(found)
		return reject(ReasonBannedKeyword, "operation not allowed: "+strings.Join(found, ", ")), true
	}
	return Verdict{}, false
}

// checkObjects resolves every referenced object against the allow-list.
func (v *Validator) checkObjects(stmt string) ([]*schema.Object, Verdict, bool) {
	var resolved []*schema.Object
	var violations []string

	for _, name := range extractObjects(stmt) {
		if schema.IsSystemObject(name) {
			return nil, reject(ReasonDisallowedObject, "system objects are not allowed"), true
		}
		if strings.Count(name, ".") >= 2 {
			return nil, reject(ReasonDisallowedObject, "cross-database references are not allowed"), true
		}
		obj, ok := v.catalog.Lookup(name)
		if !ok {
			violations = append(violations, name)
			continue
		}
		resolved = append(resolved, obj)
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		return nil, reject(ReasonDisallowedObject,
			"not in approved schema: "+strings.Join(violations, ", ")), true
	}
	return resolved, Verdict{}, false
}

// checkDeterminism enforces that row-limited statements order by a provably
// unique column set. Pagination without a unique sort key produces
// non-reproducible pages, which is treated as a safety defect.
func (v *Validator) checkDeterminism(stmt string, objects []*schema.Object) (Verdict, bool) {
	limit, limited := rowLimit(stmt)
	if !limited {
		return Verdict{}, false
	}

	orderCols := orderByColumns(stmt)
	if len(orderCols) == 0 {
		return reject(ReasonMissingOrderBy, "TOP and OFFSET/FETCH require ORDER BY"), true
	}

	if !v.hasUniqueTiebreaker(orderCols, objects) && !coversGrouping(stmt, orderCols) {
		return reject(ReasonMissingTiebreaker,
			"deterministic ordering requires a unique tiebreaker such as a primary key column"), true
	}

	if limit > v.limits.MaxRowCap {
		return reject(ReasonRowCapExceeded,
			fmt.Sprintf("row limit %d exceeds maximum %d", limit, v.limits.MaxRowCap)), true
	}
	return Verdict{}, false
}

// hasUniqueTiebreaker reports whether the ORDER BY column set contains the
// full primary key of any referenced object.
func (v *Validator) hasUniqueTiebreaker(orderCols []string, objects []*schema.Object) bool {
	colSet := make(map[string]struct{}, len(orderCols))
	for _, c := range orderCols {
		colSet[strings.ToUpper(c)] = struct{}{}
	}

	for _, obj := range objects {
		pk := v.catalog.UniqueOrderingColumns(obj)
		if len(pk) == 0 {
			continue
		}
		covered := true
		for _, pkCol := range pk {
			if _, ok := colSet[strings.ToUpper(pkCol)]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// coversGrouping reports whether the ORDER BY columns include every GROUP BY
// column. A grouped result is unique per its grouping key, so ordering by the
// full key is deterministic even without a primary key tiebreaker.
func coversGrouping(stmt string, orderCols []string) bool {
	groupCols := groupByColumns(stmt)
	if len(groupCols) == 0 {
		return false
	}
	colSet := make(map[string]struct{}, len(orderCols))
	for _, c := range orderCols {
		colSet[strings.ToUpper(c)] = struct{}{}
	}
	for _, c := range groupCols {
		if _, ok := colSet[strings.ToUpper(c)]; !ok {
			return false
		}
	}
	return true
}

// checkRowCap rejects unlimited statements unless they are aggregate-only.
// TOP n PERCENT is not a row limit: it scales with the table.
func (*Validator) checkRowCap(stmt string) (Verdict, bool) {
	if _, limited := rowLimit(stmt); limited {
		return Verdict{}, false
	}
	if topPercentPattern.MatchString(stmt) {
		return reject(ReasonMissingRowCap,
			"TOP PERCENT does not bound the row count; use TOP (n)"), true
	}
	if isAggregateOnly(stmt) {
		return Verdict{}, false
	}
	return reject(ReasonMissingRowCap,
		"add TOP (n) or OFFSET/FETCH to bound the result set"), true
}

var (
	topPattern        = regexp.MustCompile(`(?i)\bTOP\s*\(?\s*(\d+)\s*\)?(?:\s+(PERCENT)\b)?`)
	fetchPattern      = regexp.MustCompile(`(?i)\bFETCH\s+(?:NEXT|FIRST)\s+(\d+)\s+ROWS?\b`)
	orderByPattern    = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	offsetPattern     = regexp.MustCompile(`(?i)\bOFFSET\s+\d+\s+ROWS?\b`)
	aggPattern        = regexp.MustCompile(`(?i)\b(COUNT|COUNT_BIG|SUM|AVG|MIN|MAX|STDEV|VAR)\s*\(`)
	groupByPattern    = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	topPercentPattern = regexp.MustCompile(`(?i)\bTOP\s*\(?\s*\d+\s*\)?\s+PERCENT\b`)
)

// rowLimit returns the smallest row limit the statement declares via TOP or
// FETCH NEXT, and whether any limit is present at all.
func rowLimit(stmt string) (int, bool) {
	limit := 0
	found := false
	for _, pattern := range []*regexp.Regexp{topPattern, fetchPattern} {
		for _, m := range pattern.FindAllStringSubmatch(stmt, -1) {
			if len(m) > 2 && m[2] != "" {
				// TOP n PERCENT caps a fraction, not a row count.
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if !found || n < limit {
				limit = n
			}
			found = true
		}
	}
	return limit, found
}

// orderByColumns extracts the bare column names of the last ORDER BY clause.
// Qualifiers, brackets and sort directions are stripped.
func orderByColumns(stmt string) []string {
	locs := orderByPattern.FindAllStringIndex(stmt, -1)
	if len(locs) == 0 {
		return nil
	}
	clause := stmt[locs[len(locs)-1][1]:]
	if loc := offsetPattern.FindStringIndex(clause); loc != nil {
		clause = clause[:loc[0]]
	}

	var cols []string
	for _, item := range splitTopLevel(clause, ',') {
		item = strings.TrimSpace(item)
		fields := strings.Fields(item)
		if len(fields) == 0 {
			continue
		}
		name := strings.NewReplacer("[", "", "]", "").Replace(fields[0])
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name != "" {
			cols = append(cols, name)
		}
	}
	return cols
}

var havingPattern = regexp.MustCompile(`(?i)\bHAVING\b`)

// groupByColumns extracts the bare column names of the last GROUP BY clause.
func groupByColumns(stmt string) []string {
	locs := groupByPattern.FindAllStringIndex(stmt, -1)
	if len(locs) == 0 {
		return nil
	}
	clause := stmt[locs[len(locs)-1][1]:]
	for _, pattern := range []*regexp.Regexp{havingPattern, orderByPattern, offsetPattern} {
		if loc := pattern.FindStringIndex(clause); loc != nil {
			clause = clause[:loc[0]]
		}
	}

	var cols []string
	for _, item := range splitTopLevel(clause, ',') {
		name := strings.NewReplacer("[", "", "]", "").Replace(strings.TrimSpace(item))
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name != "" {
			cols = append(cols, name)
		}
	}
	return cols
}

// isAggregateOnly reports whether every item of the outer SELECT list is an
// aggregate expression, or the outer query groups its output. Such statements
// return bounded results without an explicit row limit. A GROUP BY inside a
// subquery bounds nothing about the outer result.
func isAggregateOnly(stmt string) bool {
	if hasTopLevelGroupBy(stmt) {
		return true
	}

	list := selectList(stmt)
	if list == "" {
		return false
	}
	items := splitTopLevel(list, ',')
	for _, item := range items {
		if !aggPattern.MatchString(item) {
			return false
		}
	}
	return len(items) > 0
}

// hasTopLevelGroupBy reports a GROUP BY outside all parentheses.
func hasTopLevelGroupBy(stmt string) bool {
	for _, loc := range groupByPattern.FindAllStringIndex(stmt, -1) {
		if parenDepth(stmt, loc[0]) == 0 {
			return true
		}
	}
	return false
}

// parenDepth returns the parenthesis nesting depth at byte offset idx.
func parenDepth(s string, idx int) int {
	depth := 0
	for i := 0; i < idx && i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	return depth
}

// selectList returns the text between the outer SELECT and its FROM.
func selectList(stmt string) string {
	upper := strings.ToUpper(stmt)
	start := strings.Index(upper, "SELECT")
	if start < 0 {
		return ""
	}
	rest := stmt[start+len("SELECT"):]
	restUpper := strings.ToUpper(rest)

	depth := 0
	for i := 0; i+4 <= len(restUpper); i++ {
		switch restUpper[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(restUpper[i:], "FROM") && isWordBoundary(restUpper, i, 4) {
			return rest[:i]
		}
	}
	return ""
}

func isWordBoundary(s string, start, length int) bool {
	before := start == 0 || !isWordChar(s[start-1])
	after := start+length >= len(s) || !isWordChar(s[start+length])
	return before && after
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// splitTopLevel splits s on sep, ignoring separators inside parentheses.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// subqueryDepth returns the deepest nesting of parenthesized SELECTs.
func subqueryDepth(stmt string) int {
	upper := strings.ToUpper(stmt)
	maxDepth, depth := 0, 0
	var stack []bool

	for i := 0; i < len(upper); i++ {
		switch upper[i] {
		case '(':
			rest := strings.TrimLeft(upper[i+1:], " \t\r\n")
			isSub := strings.HasPrefix(rest, "SELECT")
			stack = append(stack, isSub)
			if isSub {
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			}
		case ')':
			if n := len(stack); n > 0 {
				if stack[n-1] {
					depth--
				}
				stack = stack[:n-1]
			}
		}
	}
	return maxDepth
}

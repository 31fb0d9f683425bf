package sqlguard

import (
	"regexp"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// extractObjects extracts all referenced table/view names from scrubbed SQL.
// The SQL parser handles standard queries; a regex pass covers T-SQL shapes
// the parser cannot (TOP, OFFSET/FETCH, bracketed identifiers). CTE names
// are filtered out so only physical objects remain.
func extractObjects(scrubbed string) []string {
	cteNames := extractCTENames(scrubbed)

	seen := make(map[string]bool)
	var objects []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, bare := cteNames[strings.ToUpper(name)]; bare && !strings.Contains(name, ".") {
			return
		}
		key := strings.ToUpper(name)
		if seen[key] {
			return
		}
		seen[key] = true
		objects = append(objects, name)
	}

	astRefs := extractFromAST(scrubbed)
	for _, ref := range astRefs {
		add(ref)
	}

	// The parser speaks a different dialect than T-SQL, so a parse failure
	// is routine; fall back to pattern extraction.
	if len(astRefs) == 0 {
		for _, ref := range extractWithRegex(scrubbed) {
			add(ref)
		}
	}

	return objects
}

// extractFromAST walks the parsed statement collecting table expressions.
func extractFromAST(sql string) []string {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil
	}

	var tables []string
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if aliased, ok := node.(*sqlparser.AliasedTableExpr); ok {
			if tableName, ok := aliased.Expr.(sqlparser.TableName); ok {
				name := tableName.Name.String()
				if !tableName.Qualifier.IsEmpty() {
					name = tableName.Qualifier.String() + "." + name
				}
				tables = append(tables, name)
			}
		}
		return true, nil
	}, stmt)
	if err != nil {
		return nil
	}

	return tables
}

var (
	// cteNamePattern matches "WITH name AS (" or ", name AS (" for chained CTEs.
	cteNamePattern = regexp.MustCompile(`(?i)(?:WITH|,)\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+AS\s*\(`)

	// objectRefPattern matches object names after FROM or JOIN, covering one-,
	// two- and three-part dotted names. Three-part names are extracted so the
	// validator can reject cross-database references explicitly.
	objectRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+` +
		`([a-zA-Z_\[][a-zA-Z0-9_\]]*(?:\.[a-zA-Z_\[][a-zA-Z0-9_\]]*){0,2})`)
)

// extractCTENames returns the upper-cased CTE names declared in WITH clauses.
func extractCTENames(sql string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, match := range cteNamePattern.FindAllStringSubmatch(sql, -1) {
		if len(match) >= 2 {
			names[strings.ToUpper(match[1])] = struct{}{}
		}
	}
	return names
}

// extractWithRegex extracts object references using the FROM/JOIN pattern.
// Bracket quoting is stripped so [Sales].[Customer] and Sales.Customer
// resolve identically.
func extractWithRegex(sql string) []string {
	matches := objectRefPattern.FindAllStringSubmatch(sql, -1)
	refs := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		name := strings.NewReplacer("[", "", "]", "").Replace(match[1])
		refs = append(refs, name)
	}
	return refs
}

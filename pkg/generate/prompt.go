// Package generate turns natural-language questions into T-SQL candidates
// using a language model constrained by the schema catalog.
package generate

import (
	"fmt"
	"strings"

	"github.com/txn2/mcp-nlsql/pkg/schema"
)

// Pagination carries the page window a candidate should satisfy.
type Pagination struct {
	Page     int
	PageSize int
}

// Offset returns the OFFSET row count for the window.
func (p Pagination) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Repair carries the failed prior attempt a new candidate must fix.
type Repair struct {
	// SQL is the statement that failed.
	SQL string

	// Failure describes why it failed, from the validator or the database.
	Failure string
}

// PromptBuilder renders system and user prompts from the catalog.
type PromptBuilder struct {
	catalog   *schema.Catalog
	maxRowCap int
}

// NewPromptBuilder creates a builder over the catalog. maxRowCap is quoted
// to the model as the hard row-limit ceiling.
func NewPromptBuilder(catalog *schema.Catalog, maxRowCap int) *PromptBuilder {
	return &PromptBuilder{catalog: catalog, maxRowCap: maxRowCap}
}

// System renders the system prompt: dialect rules, the schema context
// narrowed by hints, and the output contract.
func (b *PromptBuilder) System(hints []string) string {
	var sb strings.Builder

	sb.WriteString("You are a T-SQL expert writing queries for Microsoft SQL Server.\n\n")
	sb.WriteString("SCHEMA CONTEXT:\n")
	sb.WriteString(b.catalog.ContextFor(hints))
	sb.WriteString("\n\nREQUIREMENTS:\n")
	sb.WriteString("- T-SQL dialect only.\n")
	sb.WriteString("- A single SELECT statement. No other statement types, no semicolon-separated statements.\n")
	sb.WriteString("- Use only the tables and views listed in the schema context.\n")
	fmt.Fprintf(&sb, "- Every query must bound its result set with TOP (n) or OFFSET/FETCH, n at most %d.\n", b.maxRowCap)
	sb.WriteString("- Every bounded query must have ORDER BY ending with a unique tiebreaker, normally the primary key.\n")
	sb.WriteString("- For pagination use: ORDER BY ... OFFSET <offset> ROWS FETCH NEXT <page_size> ROWS ONLY.\n")
	sb.WriteString("- Aggregate-only queries (COUNT, SUM and similar, or GROUP BY) may omit the row limit.\n")
	sb.WriteString("- No comments, no temp tables, no dynamic SQL, no system objects.\n")
	sb.WriteString("\nRespond with only the T-SQL query, no explanation and no code fences.")

	return sb.String()
}

// User renders the user-turn prompt for a fresh question.
func (b *PromptBuilder) User(question string, page Pagination) string {
	var sb strings.Builder
	sb.WriteString("QUESTION:\n")
	sb.WriteString(strings.TrimSpace(question))

	if page.PageSize > 0 {
		sb.WriteString("\n\nPAGINATION:\n")
		fmt.Fprintf(&sb, "- Return page %d with %d rows per page.\n", maxInt(page.Page, 1), page.PageSize)
		fmt.Fprintf(&sb, "- Use OFFSET %d ROWS FETCH NEXT %d ROWS ONLY.\n", page.Offset(), page.PageSize)
	}
	return sb.String()
}

// RepairUser renders the user-turn prompt for a repair attempt. The failed
// statement and its failure are quoted so the model can correct them.
func (b *PromptBuilder) RepairUser(question string, page Pagination, repair Repair) string {
	var sb strings.Builder
	sb.WriteString("The previous query failed. Fix it.\n\n")
	sb.WriteString("FAILED QUERY:\n")
	sb.WriteString(strings.TrimSpace(repair.SQL))
	sb.WriteString("\n\nFAILURE:\n")
	sb.WriteString(strings.TrimSpace(repair.Failure))
	sb.WriteString("\n\nORIGINAL ")
	sb.WriteString(b.User(question, page))
	sb.WriteString("\n\nGenerate the corrected T-SQL query following all the original requirements.")
	return sb.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

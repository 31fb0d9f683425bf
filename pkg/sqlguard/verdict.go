package sqlguard

// Reason identifies why a candidate statement was rejected. The set is
// closed: user-facing messages are drawn from these values only, never
// from raw statement or backend text.
type Reason string

const (
	// ReasonEmpty means the candidate was empty or whitespace.
	ReasonEmpty Reason = "empty_statement"

	// ReasonNotSelect means the statement is not a SELECT (or WITH ... SELECT).
	ReasonNotSelect Reason = "not_select"

	// ReasonMultiStatement means more than one statement was submitted.
	ReasonMultiStatement Reason = "multi_statement"

	// ReasonBannedKeyword means a DDL/DML/administrative keyword was found.
	ReasonBannedKeyword Reason = "banned_keyword"

	// ReasonDisallowedObject means a referenced object is not allow-listed.
	ReasonDisallowedObject Reason = "disallowed_object"

	// ReasonMissingOrderBy means a row-limited query lacks ORDER BY.
	ReasonMissingOrderBy Reason = "missing_order_by"

	// ReasonMissingTiebreaker means the ORDER BY has no provably unique column.
	ReasonMissingTiebreaker Reason = "missing_unique_tiebreaker"

	// ReasonMissingRowCap means a non-aggregate query has no row limit.
	ReasonMissingRowCap Reason = "missing_row_cap"

	// ReasonRowCapExceeded means the requested row limit exceeds the maximum.
	ReasonRowCapExceeded Reason = "row_cap_exceeded"

	// ReasonDepthExceeded means subquery nesting exceeds the ceiling.
	ReasonDepthExceeded Reason = "depth_exceeded"
)

// messages are the pre-written, user-facing templates per reason.
var messages = map[Reason]string{
	ReasonEmpty:             "The statement is empty.",
	ReasonNotSelect:         "Only single SELECT statements are permitted (WITH ... SELECT is allowed).",
	ReasonMultiStatement:    "Multiple statements are not allowed; submit exactly one SELECT.",
	ReasonBannedKeyword:     "The statement contains an operation that is not permitted; only read-only SELECT queries may run.",
	ReasonDisallowedObject:  "The statement references an object that is not in the approved schema.",
	ReasonMissingOrderBy:    "Row-limited queries (TOP or OFFSET/FETCH) require an ORDER BY clause for deterministic results.",
	ReasonMissingTiebreaker: "Deterministic ordering requires a unique tiebreaker: include a primary key column in ORDER BY.",
	ReasonMissingRowCap:     "The query must bound its result set with TOP or OFFSET/FETCH unless it is aggregate-only.",
	ReasonRowCapExceeded:    "The requested row limit exceeds the configured maximum.",
	ReasonDepthExceeded:     "The query nests subqueries deeper than the configured limit.",
}

// Message returns the pre-written user-facing message for the reason.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return "The statement was rejected by the safety validator."
}

// Verdict is the outcome of validating one SQL candidate. It is produced
// once per candidate and never mutated.
type Verdict struct {
	Accepted bool
	Reason   Reason
	Detail   string
	// Objects lists the allow-listed objects the statement references,
	// populated on acceptance for audit purposes.
	Objects []string
}

// accept builds an accepting verdict.
func accept(objects []string) Verdict {
	return Verdict{Accepted: true, Objects: objects}
}

// reject builds a rejecting verdict.
func reject(reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// FailureDescription renders the verdict for repair prompting: the
// user-facing message plus the machine detail, which never contains
// schema information beyond allow-listed names.
func (v Verdict) FailureDescription() string {
	if v.Accepted {
		return ""
	}
	if v.Detail == "" {
		return v.Reason.Message()
	}
	return v.Reason.Message() + " (" + v.Detail + ")"
}

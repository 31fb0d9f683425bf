package audit

import "testing"

func TestNewEvent(t *testing.T) {
	event := NewEvent("corr-123", StageValidation)

	if event.CorrelationID != "corr-123" {
		t.Errorf("CorrelationID = %q, want %q", event.CorrelationID, "corr-123")
	}
	if event.Stage != StageValidation {
		t.Errorf("Stage = %q, want %q", event.Stage, StageValidation)
	}
	if event.ID == "" {
		t.Error("ID should not be empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestNewEvent_IDsSortInCreationOrder(t *testing.T) {
	prev := NewEvent("corr", StageGeneration).ID
	for i := 0; i < 100; i++ {
		next := NewEvent("corr", StageGeneration).ID
		if next <= prev {
			t.Fatalf("event IDs not monotonic: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestEvent_Builders(t *testing.T) {
	event := NewEvent("corr-123", StageExecution).
		WithOperation("ask", "mcp").
		WithAttempt(2).
		WithQuestion("total sales by region").
		WithSQL("SELECT 1").
		WithResult(true, "", "", 42).
		WithRowCount(7)

	if event.Operation != "ask" {
		t.Errorf("Operation = %q, want %q", event.Operation, "ask")
	}
	if event.Source != "mcp" {
		t.Errorf("Source = %q, want %q", event.Source, "mcp")
	}
	if event.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", event.Attempt)
	}
	if event.Question != "total sales by region" {
		t.Errorf("Question = %q", event.Question)
	}
	if event.SQL != "SELECT 1" {
		t.Errorf("SQL = %q", event.SQL)
	}
	if !event.Success {
		t.Error("Success should be true")
	}
	if event.DurationMS != 42 {
		t.Errorf("DurationMS = %d, want 42", event.DurationMS)
	}
	if event.RowCount != 7 {
		t.Errorf("RowCount = %d, want 7", event.RowCount)
	}
}

func TestEvent_WithVerdict(t *testing.T) {
	event := NewEvent("corr-123", StageValidation).
		WithVerdict(false, "banned_keyword", nil)

	if event.Success {
		t.Error("rejected verdict should not mark success")
	}
	if event.VerdictReason != "banned_keyword" {
		t.Errorf("VerdictReason = %q", event.VerdictReason)
	}

	accepted := NewEvent("corr-123", StageValidation).
		WithVerdict(true, "", []string{"Production.Product"})
	if !accepted.Success {
		t.Error("accepted verdict should mark success")
	}
	if len(accepted.Objects) != 1 {
		t.Errorf("Objects = %v", accepted.Objects)
	}
}

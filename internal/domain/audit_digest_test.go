package domain

import (
	"testing"
	"time"
)

func digestEntry() AuditEntry {
	return AuditEntry{
		ID:         "11111111-1111-4111-8111-111111111111",
		Seq:        1,
		EventType:  AuditEventOperation,
		Requester:  "assistant",
		Service:    "gmail",
		Action:     "send_email",
		Risk:       RiskSend,
		Decision:   DecisionAllow,
		Outcome:    OutcomeSucceeded,
		PrevDigest: ZeroDigest,
		CreatedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestComputeEntryDigestDeterministic(t *testing.T) {
	first, err := ComputeEntryDigest(digestEntry())
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}
	second, err := ComputeEntryDigest(digestEntry())
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}
	if first != second {
		t.Fatalf("digest not deterministic: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("digest length %d, want 64 hex chars", len(first))
	}
}

func TestComputeEntryDigestCoversFields(t *testing.T) {
	base, err := ComputeEntryDigest(digestEntry())
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}

	mutations := map[string]func(*AuditEntry){
		"id":          func(e *AuditEntry) { e.ID = "22222222-2222-4222-8222-222222222222" },
		"seq":         func(e *AuditEntry) { e.Seq = 2 },
		"outcome":     func(e *AuditEntry) { e.Outcome = OutcomeDenied },
		"service":     func(e *AuditEntry) { e.Service = "calendar" },
		"prev_digest": func(e *AuditEntry) { e.PrevDigest = base },
		"reason":      func(e *AuditEntry) { e.Reason = "changed" },
		"created_at":  func(e *AuditEntry) { e.CreatedAt = e.CreatedAt.Add(time.Second) },
	}
	for name, mutate := range mutations {
		entry := digestEntry()
		mutate(&entry)
		digest, err := ComputeEntryDigest(entry)
		if err != nil {
			t.Fatalf("%s: compute digest: %v", name, err)
		}
		if digest == base {
			t.Fatalf("%s: mutation did not change digest", name)
		}
	}
}

//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/sagapay/internal/testutil"
)

func TestPostgresStore_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	assessments := []*Assessment{
		{
			ID:          "risk_pg_1",
			RequestID:   "req_1",
			UserID:      "user_pg",
			OverallRisk: LevelLow,
			Score:       12.5,
			Factors: []Factor{
				{Type: "amount", Score: 10, Weight: 0.25, Evidence: "within per-transaction limit"},
				{Type: "velocity", Score: 15, Weight: 0.20},
			},
			Recommendations: []Recommendation{{Action: ActionApprove, Confidence: 0.95}},
			EvaluatedAt:     base,
		},
		{
			ID:          "risk_pg_2",
			RequestID:   "req_2",
			UserID:      "user_pg",
			OverallRisk: LevelHigh,
			Score:       71.0,
			Recommendations: []Recommendation{
				{Action: ActionRequireVerification, Confidence: 0.8},
			},
			EvaluatedAt: base.Add(time.Minute),
		},
	}
	for _, a := range assessments {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record %s: %v", a.ID, err)
		}
	}

	got, err := store.ListByUser(ctx, "user_pg", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(got))
	}
	if got[0].ID != "risk_pg_2" {
		t.Errorf("expected newest first, got %s", got[0].ID)
	}

	first := got[1]
	if first.OverallRisk != LevelLow || first.Score != 12.5 {
		t.Errorf("verdict not preserved: %+v", first)
	}
	if len(first.Factors) != 2 || first.Factors[0].Evidence != "within per-transaction limit" {
		t.Errorf("factors not preserved: %+v", first.Factors)
	}
	if len(first.Recommendations) != 1 || first.Recommendations[0].Action != ActionApprove {
		t.Errorf("recommendations not preserved: %+v", first.Recommendations)
	}

	other, err := store.ListByUser(ctx, "user_other", 10)
	if err != nil {
		t.Fatalf("ListByUser other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no assessments for other user, got %d", len(other))
	}
}

// Package risk implements admission scoring for payment requests.
//
// Every request is evaluated against 6 weighted factors: spend velocity,
// transaction amount, device fingerprint presence, account age, time of
// day, and payment history depth. Factor scores range 0-100 and combine
// into a weighted composite on the same scale. Requests at or above the
// critical threshold are declined before a saga is created.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/sagapay/internal/validation"
)

// Level buckets a composite score into a risk tier.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Action is the validator's recommendation for a request.
type Action string

const (
	ActionApprove             Action = "approve"
	ActionReview              Action = "review"
	ActionRequireVerification Action = "require_verification"
	ActionDecline             Action = "decline"
)

// Composite score thresholds for each tier.
const (
	MediumThreshold   = 40.0
	HighThreshold     = 60.0
	CriticalThreshold = 80.0
)

// Factor is one weighted input to the composite score.
type Factor struct {
	Type     string  `json:"type"`
	Score    float64 `json:"score"`  // 0-100
	Weight   float64 `json:"weight"` // fraction of the composite
	Evidence string  `json:"evidence,omitempty"`
}

// Recommendation pairs an action with the validator's confidence in it.
type Recommendation struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// Assessment is the result of scoring a single request. Derived fresh per
// request and never mutated after creation.
type Assessment struct {
	ID              string           `json:"id"`
	RequestID       string           `json:"requestId"`
	UserID          string           `json:"userId"`
	OverallRisk     Level            `json:"overallRisk"`
	Score           float64          `json:"riskScore"`
	Factors         []Factor         `json:"factors"`
	Recommendations []Recommendation `json:"recommendations"`
	EvaluatedAt     time.Time        `json:"evaluatedAt"`
}

// ValidationResult is the full verdict on a payment request: hard
// validation errors, advisory warnings, and the risk assessment.
type ValidationResult struct {
	Valid             bool              `json:"isValid"`
	Errors            validation.Errors `json:"errors,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	Assessment        *Assessment       `json:"riskAssessment,omitempty"`
	RecommendedAction Action            `json:"recommendedAction"`
}

// Store persists assessments for audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Assessment, error)
}

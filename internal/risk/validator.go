package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/sagapay/internal/idgen"
	"github.com/mbd888/sagapay/internal/kyc"
	"github.com/mbd888/sagapay/internal/metrics"
	"github.com/mbd888/sagapay/internal/money"
	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/validation"
)

// windowEntry records a completed payment for sliding-window analysis.
type windowEntry struct {
	AmountCents int64
	Timestamp   time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	weightVelocity   = 0.25
	weightAmount     = 0.20
	weightDevice     = 0.10
	weightAccountAge = 0.15
	weightTimeOfDay  = 0.10
	weightHistory    = 0.20
)

// Limits are the configurable bounds the validator enforces. Amounts are
// decimal strings in major units.
type Limits struct {
	MinAmount       string
	MaxAmount       string
	DailySpendLimit string
	KYCThreshold    string
	KYCHardLimit    string
}

// Validator scores payment requests using in-memory sliding windows per
// user plus read-only lookups to the KYC service. Scoring is pure over
// those inputs; the only side effect is the best-effort audit record.
type Validator struct {
	windows sync.Map // map[string]*userWindow
	store   Store
	kyc     kyc.Service
	limits  Limits
	logger  *slog.Logger
	now     func() time.Time
}

type userWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewValidator creates a risk validator backed by the given audit store
// and KYC collaborator.
func NewValidator(store Store, kycSvc kyc.Service, limits Limits) *Validator {
	return &Validator{
		store:  store,
		kyc:    kycSvc,
		limits: limits,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger overrides the default logger.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	v.logger = l.With("component", "risk")
	return v
}

// WithClock overrides the time source. Used by tests to pin time-of-day
// scoring.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs hard checks and risk scoring over a payment request.
// Hard validation errors force a decline recommendation regardless of
// the risk tier.
func (v *Validator) Validate(ctx context.Context, req *payment.Request) *ValidationResult {
	now := v.now()

	errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("amount", req.Amount),
		validation.Required("currency", req.Currency),
		validation.Required("idempotencyKey", req.IdempotencyKey),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.AmountBetween("amount", req.Amount, v.limits.MinAmount, v.limits.MaxAmount),
	)
	if !req.Method.Valid() {
		errs = append(errs, validation.Error{Field: "paymentMethod", Message: "unsupported payment method"})
	}
	if req.Expired(now) {
		errs = append(errs, validation.Error{Field: "expiresAt", Message: "request expired"})
	}

	amountCents := parseCents(req.Amount)
	entries := v.snapshot(req.UserID, now)

	if limit := parseCents(v.limits.DailySpendLimit); limit > 0 {
		var spent int64
		for _, e := range entries {
			spent += e.AmountCents
		}
		if spent+amountCents > limit {
			errs = append(errs, validation.Error{Field: "amount", Message: "daily spend limit exceeded"})
		}
	}

	var warnings []string
	degraded := false
	requireKYC := false
	if threshold := parseCents(v.limits.KYCThreshold); threshold > 0 && amountCents > threshold {
		status, err := v.kyc.Status(ctx, req.UserID)
		switch {
		case err != nil:
			// Collaborator failure: trust the request rather than block.
			degraded = true
			metrics.RiskDegradedTotal.Inc()
			v.logger.Warn("risk validation degraded, kyc lookup failed",
				"userId", req.UserID, "requestId", req.ID, "error", err)
		case !status.Verified:
			if hard := parseCents(v.limits.KYCHardLimit); hard > 0 && amountCents > hard {
				errs = append(errs, validation.Error{Field: "amount", Message: "kyc verification required above " + v.limits.KYCHardLimit})
			} else {
				requireKYC = true
				warnings = append(warnings, "kyc verification required above "+v.limits.KYCThreshold)
			}
		}
	}

	var assessment *Assessment
	if degraded {
		assessment = &Assessment{
			ID:              idgen.WithPrefix("risk_"),
			RequestID:       req.ID,
			UserID:          req.UserID,
			OverallRisk:     LevelLow,
			Score:           0,
			Recommendations: []Recommendation{{Action: ActionApprove, Confidence: 0.5}},
			EvaluatedAt:     now,
		}
	} else {
		factors := v.scoreFactors(entries, req, now)
		score := compositeScore(factors)
		level := levelFor(score)
		assessment = &Assessment{
			ID:              idgen.WithPrefix("risk_"),
			RequestID:       req.ID,
			UserID:          req.UserID,
			OverallRisk:     level,
			Score:           score,
			Factors:         factors,
			Recommendations: []Recommendation{recommendationFor(level)},
			EvaluatedAt:     now,
		}
	}

	action := assessment.Recommendations[0].Action
	if len(errs) > 0 {
		action = ActionDecline
	} else if requireKYC && (action == ActionApprove || action == ActionReview) {
		action = ActionRequireVerification
	}
	metrics.RiskDecisionsTotal.WithLabelValues(string(action)).Inc()

	// Persist asynchronously, best-effort audit trail
	if v.store != nil {
		a := assessment
		go func() {
			_ = v.store.Record(context.Background(), a)
		}()
	}

	return &ValidationResult{
		Valid:             len(errs) == 0,
		Errors:            errs,
		Warnings:          warnings,
		Assessment:        assessment,
		RecommendedAction: action,
	}
}

// RecordSpend appends a settled payment to the user's sliding window.
func (v *Validator) RecordSpend(userID, amount string) {
	w := v.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		AmountCents: parseCents(amount),
		Timestamp:   v.now(),
	})
	v.pruneWindow(w)
}

func (v *Validator) getWindow(userID string) *userWindow {
	w, _ := v.windows.LoadOrStore(userID, &userWindow{})
	return w.(*userWindow)
}

// snapshot returns a copy of the user's non-expired entries.
func (v *Validator) snapshot(userID string, now time.Time) []windowEntry {
	w := v.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, e := range w.entries {
		if e.Timestamp.After(cutoff) {
			result = append(result, e)
		}
	}
	return result
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize.
// Caller holds the lock.
func (v *Validator) pruneWindow(w *userWindow) {
	cutoff := v.now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

func (v *Validator) scoreFactors(entries []windowEntry, req *payment.Request, now time.Time) []Factor {
	return []Factor{
		velocityFactor(entries, now),
		amountFactor(req.Amount, v.limits.MaxAmount),
		deviceFactor(req.Risk.DeviceFingerprint),
		accountAgeFactor(req.Risk.AccountCreatedAt, now),
		timeOfDayFactor(now),
		historyFactor(entries, now),
	}
}

// velocityFactor: payments in the last 5 minutes, including the one being
// scored. 2 in 5m = 25, 3 = 50, 4 = 75, 5+ = 100.
func velocityFactor(entries []windowEntry, now time.Time) Factor {
	cutoff := now.Add(-5 * time.Minute)
	recent := 1 // the request being scored
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			recent++
		}
	}
	score := float64(recent-1) * 25
	if score > 100 {
		score = 100
	}
	return Factor{
		Type:     "velocity",
		Score:    score,
		Weight:   weightVelocity,
		Evidence: fmt.Sprintf("%d payments in last 5m", recent),
	}
}

// amountFactor: scales linearly with the fraction of the configured
// maximum. A request at the limit scores 100.
func amountFactor(amount, maxAmount string) Factor {
	amt := money.Float(amount)
	max := money.Float(maxAmount)
	score := 0.0
	if max > 0 {
		score = clamp(amt / max * 100)
	}
	return Factor{
		Type:     "transaction_amount",
		Score:    round1(score),
		Weight:   weightAmount,
		Evidence: fmt.Sprintf("amount %s against limit %s", amount, maxAmount),
	}
}

// deviceFactor: a missing fingerprint is a strong anonymity signal.
func deviceFactor(fingerprint string) Factor {
	score := 0.0
	evidence := "device fingerprint present"
	if fingerprint == "" {
		score = 80
		evidence = "no device fingerprint"
	}
	return Factor{Type: "device_fingerprint", Score: score, Weight: weightDevice, Evidence: evidence}
}

// accountAgeFactor: brand-new accounts carry the most fraud risk.
// Unknown creation time scores as moderately risky.
func accountAgeFactor(createdAt time.Time, now time.Time) Factor {
	var score float64
	var evidence string
	switch age := now.Sub(createdAt); {
	case createdAt.IsZero():
		score, evidence = 60, "account age unknown"
	case age < 24*time.Hour:
		score, evidence = 100, "account created within 24h"
	case age < 7*24*time.Hour:
		score, evidence = 60, "account created within 7d"
	case age < 30*24*time.Hour:
		score, evidence = 30, "account created within 30d"
	default:
		score, evidence = 0, "account older than 30d"
	}
	return Factor{Type: "account_age", Score: score, Weight: weightAccountAge, Evidence: evidence}
}

// timeOfDayFactor: card fraud clusters in the 00:00-06:00 UTC window.
func timeOfDayFactor(now time.Time) Factor {
	hour := now.UTC().Hour()
	score := 0.0
	if hour < 6 {
		score = 70
	}
	return Factor{
		Type:     "time_of_day",
		Score:    score,
		Weight:   weightTimeOfDay,
		Evidence: fmt.Sprintf("hour %02d UTC", hour),
	}
}

// historyFactor: users with an established payment record score lower.
// Only payments settled more than an hour ago count as established, so a
// fresh burst cannot launder itself into a track record.
func historyFactor(entries []windowEntry, now time.Time) Factor {
	cutoff := now.Add(-time.Hour)
	settled := 0
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			settled++
		}
	}
	var score float64
	switch {
	case settled == 0:
		score = 60
	case settled < 5:
		score = 30
	default:
		score = 0
	}
	return Factor{
		Type:     "payment_history",
		Score:    score,
		Weight:   weightHistory,
		Evidence: fmt.Sprintf("%d settled payments older than 1h", settled),
	}
}

// compositeScore is the weighted sum of factor scores, clamped to [0, 100].
func compositeScore(factors []Factor) float64 {
	var score float64
	for _, f := range factors {
		score += f.Score * f.Weight
	}
	return round1(clamp(score))
}

func levelFor(score float64) Level {
	switch {
	case score >= CriticalThreshold:
		return LevelCritical
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func recommendationFor(level Level) Recommendation {
	switch level {
	case LevelCritical:
		return Recommendation{Action: ActionDecline, Confidence: 0.95}
	case LevelHigh:
		return Recommendation{Action: ActionRequireVerification, Confidence: 0.85}
	case LevelMedium:
		return Recommendation{Action: ActionReview, Confidence: 0.7}
	default:
		return Recommendation{Action: ActionApprove, Confidence: 0.9}
	}
}

func parseCents(s string) int64 {
	v, ok := money.Parse(s)
	if !ok || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}

func clamp(score float64) float64 {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

package service

import (
	"context"
	"strings"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// FraudDeclineThreshold declines a payment whose risk score reaches it.
// Scores run 0..100; the scorer produces the number, the command service
// applies the threshold.
const FraudDeclineThreshold = 50

type FraudScorer interface {
	AssessRisk(ctx context.Context, p *domain.Payment) (int, error)
}

// HeuristicScorer is a local stand-in for the external fraud service. It
// scores on amount bands and a couple of cheap signals.
type HeuristicScorer struct{}

func NewHeuristicScorer() HeuristicScorer {
	return HeuristicScorer{}
}

func (HeuristicScorer) AssessRisk(ctx context.Context, p *domain.Payment) (int, error) {
	score := 0

	units := p.Amount.MinorUnits()
	switch {
	case units >= 1_000_000: // 10,000.00 in a 2-exponent currency
		score += 40
	case units >= 100_000:
		score += 20
	case units >= 10_000:
		score += 5
	}

	if email, ok := p.Metadata["customer_email"]; ok && strings.HasPrefix(email, "anonymous-") {
		score += 15
	}
	if units%10_000 == 0 && units >= 50_000 {
		// Large round amounts correlate with card testing.
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score, nil
}

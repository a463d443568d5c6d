package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/money"
)

// NextAction tells the caller the customer must complete an extra step
// (3-D Secure and the like) before the payment can be authorized. It is a
// result, not a failure; the payment stays PENDING.
type NextAction struct {
	Type         string `json:"type"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProcessorRef string `json:"processorRef"`
	Processor    string `json:"processor"`
	Status       string `json:"status"`
}

// AuthorizeResult is the outcome of a successful Authorize call: either a
// plain processor reference, or a reference plus a required customer action.
type AuthorizeResult struct {
	ProcessorRef string
	NextAction   *NextAction
}

// Processor is the outbound card/bank processor contract. Calls are blocking
// I/O and not cancelable mid-flight; a timeout is a failure the caller
// resolves by re-inspecting state.
type Processor interface {
	Name() string
	Authorize(ctx context.Context, p *domain.Payment) (AuthorizeResult, error)
	Capture(ctx context.Context, processorRef string, amount money.Money) error
	Void(ctx context.Context, processorRef string) error
	Refund(ctx context.Context, processorRef string, amount money.Money) (string, error)
}

// MockProcessor simulates a processor with realistic latency and small
// failure rates. Used for local runs; tests inject their own fakes.
type MockProcessor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockProcessor() *MockProcessor {
	return &MockProcessor{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (m *MockProcessor) roll(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(n)
}

func (m *MockProcessor) Name() string { return "mock_processor" }

func (m *MockProcessor) Authorize(ctx context.Context, p *domain.Payment) (AuthorizeResult, error) {
	m.simulateDelay(100, 300)

	if m.roll(100) < 5 {
		return AuthorizeResult{}, &domain.ProcessorError{
			Processor: m.Name(),
			Code:      "card_declined",
			Msg:       "card declined by issuer",
		}
	}

	ref := "proc_" + uuid.NewString()[:8]
	return AuthorizeResult{ProcessorRef: ref}, nil
}

func (m *MockProcessor) Capture(ctx context.Context, processorRef string, amount money.Money) error {
	m.simulateDelay(100, 300)

	if m.roll(100) < 2 {
		return &domain.ProcessorError{
			Processor: m.Name(),
			Code:      "insufficient_funds",
			Msg:       "capture failed: insufficient funds",
		}
	}
	return nil
}

func (m *MockProcessor) Void(ctx context.Context, processorRef string) error {
	m.simulateDelay(50, 150)
	return nil
}

func (m *MockProcessor) Refund(ctx context.Context, processorRef string, amount money.Money) (string, error) {
	m.simulateDelay(100, 300)

	if m.roll(100) < 1 {
		return "", &domain.ProcessorError{
			Processor: m.Name(),
			Code:      "already_refunded",
			Msg:       "refund failed: payment already refunded",
		}
	}
	return "ref_" + uuid.NewString()[:8], nil
}

func (m *MockProcessor) simulateDelay(minMs, maxMs int) {
	time.Sleep(time.Duration(m.roll(maxMs-minMs)+minMs) * time.Millisecond)
}

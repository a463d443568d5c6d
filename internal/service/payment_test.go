package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/punchamoorthee/payflow/internal/outbox"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu             sync.Mutex
	authorizeCalls int
	captureCalls   int

	authorizeFn func(ctx context.Context, p *domain.Payment) (service.AuthorizeResult, error)
	captureFn   func(ctx context.Context, ref string, amount money.Money) error
	voidFn      func(ctx context.Context, ref string) error
	refundFn    func(ctx context.Context, ref string, amount money.Money) (string, error)
}

func (f *fakeProcessor) Name() string { return "fake_processor" }

func (f *fakeProcessor) Authorize(ctx context.Context, p *domain.Payment) (service.AuthorizeResult, error) {
	f.mu.Lock()
	f.authorizeCalls++
	f.mu.Unlock()
	if f.authorizeFn != nil {
		return f.authorizeFn(ctx, p)
	}
	return service.AuthorizeResult{ProcessorRef: "proc_test"}, nil
}

func (f *fakeProcessor) Capture(ctx context.Context, ref string, amount money.Money) error {
	f.mu.Lock()
	f.captureCalls++
	f.mu.Unlock()
	if f.captureFn != nil {
		return f.captureFn(ctx, ref, amount)
	}
	return nil
}

func (f *fakeProcessor) Void(ctx context.Context, ref string) error {
	if f.voidFn != nil {
		return f.voidFn(ctx, ref)
	}
	return nil
}

func (f *fakeProcessor) Refund(ctx context.Context, ref string, amount money.Money) (string, error) {
	if f.refundFn != nil {
		return f.refundFn(ctx, ref, amount)
	}
	return "ref_test", nil
}

type fixedScorer struct{ score int }

func (f fixedScorer) AssessRisk(ctx context.Context, p *domain.Payment) (int, error) {
	return f.score, nil
}

func newService(t *testing.T, processor *fakeProcessor, score int) (*service.PaymentService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := service.NewPaymentService(store, processor, fixedScorer{score: score}, logging.Nop{})
	return svc, store
}

func createRequest() service.CreatePaymentRequest {
	return service.CreatePaymentRequest{
		Amount:        10000,
		Currency:      "USD",
		PaymentMethod: "card",
		CustomerEmail: "alice@example.com",
		CustomerName:  "Alice",
	}
}

func TestCreatePayment_Authorizes(t *testing.T) {
	proc := &fakeProcessor{}
	svc, store := newService(t, proc, 0)

	result, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, domain.StatusAuthorized, result.Payment.Status)
	assert.Equal(t, "proc_test", result.Payment.ProcessorRef)
	assert.Equal(t, 1, proc.authorizeCalls)

	var types []string
	for _, m := range store.Messages() {
		types = append(types, m.EventType)
	}
	assert.Equal(t, []string{domain.EventPaymentCreated, domain.EventPaymentAuthorized}, types)
}

func TestCreatePayment_Replay(t *testing.T) {
	proc := &fakeProcessor{}
	svc, store := newService(t, proc, 0)

	first, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	require.NoError(t, err)

	second, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, 1, proc.authorizeCalls)
	assert.Len(t, store.Messages(), 2)
}

func TestCreatePayment_ConcurrentDuplicates(t *testing.T) {
	proc := &fakeProcessor{}
	svc, _ := newService(t, proc, 0)

	const workers = 8
	results := make([]*service.PaymentResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreatePayment(context.Background(), createRequest(), "key-race", uuid.New())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Exactly one submission reached the processor; every caller got the
	// same payment back.
	assert.Equal(t, 1, proc.authorizeCalls)
	for _, r := range results {
		assert.Equal(t, results[0].Payment.ID, r.Payment.ID)
	}
}

func TestCreatePayment_FraudDecline(t *testing.T) {
	proc := &fakeProcessor{}
	svc, _ := newService(t, proc, service.FraudDeclineThreshold)

	result, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, result.Payment.Status)
	assert.Contains(t, result.Payment.FailureReason, "high fraud score")
	// Declined payments never reach the processor.
	assert.Equal(t, 0, proc.authorizeCalls)
}

func TestCreatePayment_ScoreBelowThresholdProceeds(t *testing.T) {
	proc := &fakeProcessor{}
	svc, _ := newService(t, proc, service.FraudDeclineThreshold-1)

	result, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorized, result.Payment.Status)
	require.NotNil(t, result.Payment.FraudScore)
	assert.Equal(t, service.FraudDeclineThreshold-1, *result.Payment.FraudScore)
}

func TestCreatePayment_ProcessorDecline(t *testing.T) {
	proc := &fakeProcessor{
		authorizeFn: func(ctx context.Context, p *domain.Payment) (service.AuthorizeResult, error) {
			return service.AuthorizeResult{}, &domain.ProcessorError{
				Processor: "fake_processor", Code: "card_declined", Msg: "card was declined",
			}
		},
	}
	svc, store := newService(t, proc, 0)

	_, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	var procErr *domain.ProcessorError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "card_declined", procErr.Code)

	stored, err := store.FindByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "card_declined", stored.FailureCode)
}

func TestCreatePayment_RequiresAction(t *testing.T) {
	proc := &fakeProcessor{
		authorizeFn: func(ctx context.Context, p *domain.Payment) (service.AuthorizeResult, error) {
			return service.AuthorizeResult{
				ProcessorRef: "proc_3ds",
				NextAction: &service.NextAction{
					Type:         "authenticate",
					ClientSecret: "secret_abc",
				},
			}, nil
		},
	}
	svc, _ := newService(t, proc, 0)

	result, err := svc.CreatePayment(context.Background(), createRequest(), "key-1", uuid.New())
	require.NoError(t, err)
	require.NotNil(t, result.NextAction)
	assert.Equal(t, "authenticate", result.NextAction.Type)
	assert.Equal(t, domain.StatusPending, result.Payment.Status)
}

func TestCreatePayment_AutoCapture(t *testing.T) {
	proc := &fakeProcessor{}
	svc, store := newService(t, proc, 0)

	req := createRequest()
	req.Capture = true
	result, err := svc.CreatePayment(context.Background(), req, "key-1", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, result.Payment.Status)
	assert.Equal(t, 1, proc.captureCalls)
	assert.Equal(t, "true", result.Payment.Metadata["auto_capture_requested"])

	var types []string
	for _, m := range store.Messages() {
		types = append(types, m.EventType)
	}
	assert.Equal(t, []string{
		domain.EventPaymentCreated, domain.EventPaymentAuthorized, domain.EventPaymentCaptured,
	}, types)
}

func TestCreatePayment_Validation(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	ctx := context.Background()
	merchant := uuid.New()

	req := createRequest()
	req.Amount = 49
	_, err := svc.CreatePayment(ctx, req, "k1", merchant)
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "amount_too_small", validationErr.Code)

	req = createRequest()
	req.Currency = "US"
	_, err = svc.CreatePayment(ctx, req, "k2", merchant)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "invalid_currency", validationErr.Code)

	req = createRequest()
	req.PaymentMethod = ""
	_, err = svc.CreatePayment(ctx, req, "k3", merchant)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "payment_method_required", validationErr.Code)
}

func authorizedPayment(t *testing.T, svc *service.PaymentService) *domain.Payment {
	t.Helper()
	result, err := svc.CreatePayment(context.Background(), createRequest(), "key-"+uuid.NewString(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, domain.StatusAuthorized, result.Payment.Status)
	return result.Payment
}

func capturedPayment(t *testing.T, svc *service.PaymentService) *domain.Payment {
	t.Helper()
	p := authorizedPayment(t, svc)
	captured, err := svc.CapturePayment(context.Background(), p.ID, nil)
	require.NoError(t, err)
	return captured
}

func TestCapturePayment_PartialExceedsAuthorized(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	p := authorizedPayment(t, svc)

	over := int64(10001)
	_, err := svc.CapturePayment(context.Background(), p.ID, &over)
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "capture_exceeds_authorized", validationErr.Code)
}

func TestCapturePayment_WrongState(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	p := capturedPayment(t, svc)

	_, err := svc.CapturePayment(context.Background(), p.ID, nil)
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.StatusCaptured, transitionErr.From)
}

func TestCapturePayment_ConcurrentRace(t *testing.T) {
	proc := &fakeProcessor{}
	svc, _ := newService(t, proc, 0)
	p := authorizedPayment(t, svc)

	const workers = 2
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CapturePayment(context.Background(), p.ID, nil)
		}(i)
	}
	wg.Wait()

	// The row lock serializes the two captures: one wins, the loser sees
	// CAPTURED and is rejected before its processor call.
	var successes, conflicts int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var transitionErr *domain.TransitionError
		require.ErrorAs(t, err, &transitionErr)
		conflicts++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, proc.captureCalls)
}

func TestCapturePayment_ProcessorFailureLeavesAuthorized(t *testing.T) {
	proc := &fakeProcessor{
		captureFn: func(ctx context.Context, ref string, amount money.Money) error {
			return errors.New("processor timeout")
		},
	}
	svc, store := newService(t, proc, 0)
	p := authorizedPayment(t, svc)

	_, err := svc.CapturePayment(context.Background(), p.ID, nil)
	require.Error(t, err)

	reloaded, err := store.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	// The rolled-back capture is retryable.
	assert.Equal(t, domain.StatusAuthorized, reloaded.Status)
}

func TestVoidPayment(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	p := authorizedPayment(t, svc)

	voided, err := svc.VoidPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoid, voided.Status)

	_, err = svc.CapturePayment(context.Background(), p.ID, nil)
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
}

func TestRefundPayment_FullAndPartial(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	ctx := context.Background()

	p := capturedPayment(t, svc)
	partial := int64(4000)
	refund, err := svc.RefundPayment(ctx, p.ID, &partial, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundSucceeded, refund.Status)
	assert.Equal(t, int64(4000), refund.Amount.MinorUnits())

	reloaded, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyRefunded, reloaded.Status)

	// Refunding the remainder without an amount closes it out.
	_, err = svc.RefundPayment(ctx, p.ID, nil, "")
	require.NoError(t, err)
	reloaded, err = svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, reloaded.Status)
}

func TestRefundPayment_ExceedsRefundable(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	ctx := context.Background()

	p := capturedPayment(t, svc)
	partial := int64(4000)
	_, err := svc.RefundPayment(ctx, p.ID, &partial, "")
	require.NoError(t, err)

	over := int64(6001)
	_, err = svc.RefundPayment(ctx, p.ID, &over, "")
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "refund_exceeds_refundable", validationErr.Code)
}

func TestRefundPayment_WrongState(t *testing.T) {
	svc, _ := newService(t, &fakeProcessor{}, 0)
	p := authorizedPayment(t, svc)

	_, err := svc.RefundPayment(context.Background(), p.ID, nil, "")
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
}

func TestRefundPayment_ProcessorFailureRecorded(t *testing.T) {
	proc := &fakeProcessor{
		refundFn: func(ctx context.Context, ref string, amount money.Money) (string, error) {
			return "", &domain.ProcessorError{
				Processor: "fake_processor", Code: "already_refunded", Msg: "already refunded",
			}
		},
	}
	svc, _ := newService(t, proc, 0)
	ctx := context.Background()

	p := capturedPayment(t, svc)
	_, err := svc.RefundPayment(ctx, p.ID, nil, "")
	var procErr *domain.ProcessorError
	require.ErrorAs(t, err, &procErr)

	reloaded, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	// The failed attempt is visible but does not consume refundable amount.
	require.Len(t, reloaded.Refunds, 1)
	assert.Equal(t, domain.RefundFailed, reloaded.Refunds[0].Status)
	assert.Equal(t, domain.StatusCaptured, reloaded.Status)
	assert.Equal(t, int64(10000), reloaded.RemainingRefundable().MinorUnits())
}

func TestSweeper_ExpiresStaleAuthorizations(t *testing.T) {
	svc, store := newService(t, &fakeProcessor{}, 0)
	ctx := context.Background()

	stale := authorizedPayment(t, svc)
	fresh := authorizedPayment(t, svc)

	// Age the first authorization past the window.
	_, err := store.UpdatePayment(ctx, stale.ID, func(p *domain.Payment) (*outbox.Message, error) {
		old := time.Now().UTC().Add(-48 * time.Hour)
		p.AuthorizedAt = &old
		return nil, nil
	})
	require.NoError(t, err)

	sweeper := service.NewSweeper(store, logging.Nop{}, 24*time.Hour)
	require.NoError(t, sweeper.SweepOnce(ctx))

	reloaded, err := store.GetPayment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, reloaded.Status)

	untouched, err := store.GetPayment(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorized, untouched.Status)

	var expiredEvents int
	for _, m := range store.Messages() {
		if m.EventType == domain.EventPaymentExpired {
			expiredEvents++
		}
	}
	assert.Equal(t, 1, expiredEvents)
}

package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	amount, err := money.FromMinorUnits(10000, "USD")
	require.NoError(t, err)
	return NewPayment(uuid.New(), uuid.New(), "key-"+uuid.NewString(), amount, nil)
}

func TestNewPayment(t *testing.T) {
	p := newTestPayment(t)

	assert.Equal(t, StatusPending, p.Status)
	assert.NotEqual(t, uuid.Nil, p.ID)

	audit := p.PendingAudit()
	require.Len(t, audit, 1)
	assert.Equal(t, EventPaymentCreated, audit[0].EventType)
	assert.Equal(t, "", audit[0].PreviousStatus)
	assert.Equal(t, string(StatusPending), audit[0].NewStatus)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    Status
		allowed []Status
	}{
		{StatusPending, []Status{StatusAuthorized, StatusFailed, StatusDeclined}},
		{StatusAuthorized, []Status{StatusCaptured, StatusVoid, StatusExpired, StatusFailed}},
		{StatusCaptured, []Status{StatusRefunded, StatusPartiallyRefunded}},
		{StatusPartiallyRefunded, []Status{StatusRefunded}},
		{StatusVoid, nil},
		{StatusRefunded, nil},
		{StatusFailed, nil},
		{StatusDeclined, nil},
		{StatusExpired, nil},
	}

	all := []Status{
		StatusPending, StatusAuthorized, StatusCaptured, StatusVoid, StatusRefunded,
		StatusPartiallyRefunded, StatusFailed, StatusDeclined, StatusExpired,
	}

	for _, tc := range cases {
		allowed := map[Status]bool{}
		for _, s := range tc.allowed {
			allowed[s] = true
		}
		for _, target := range all {
			p := &Payment{Status: tc.from}
			assert.Equal(t, allowed[target], p.CanTransitionTo(target),
				"%s -> %s", tc.from, target)
		}
	}
}

func TestAuthorizeCaptureVoid(t *testing.T) {
	p := newTestPayment(t)

	require.NoError(t, p.Authorize("mock_processor", "proc_123"))
	assert.Equal(t, StatusAuthorized, p.Status)
	assert.Equal(t, "proc_123", p.ProcessorRef)
	require.NotNil(t, p.AuthorizedAt)

	require.NoError(t, p.Capture())
	assert.Equal(t, StatusCaptured, p.Status)
	require.NotNil(t, p.CapturedAt)

	err := p.Void()
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, StatusCaptured, transitionErr.From)
	assert.Equal(t, StatusVoid, transitionErr.To)
}

func TestMarkFailedAndDeclined(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.MarkFailed("card was declined", "card_declined"))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "card_declined", p.FailureCode)

	d := newTestPayment(t)
	require.NoError(t, d.MarkDeclined("high fraud score: 72"))
	assert.Equal(t, StatusDeclined, d.Status)
	assert.Equal(t, "high fraud score: 72", d.FailureReason)

	// Terminal: nothing moves out of DECLINED.
	assert.Error(t, d.Authorize("mock_processor", "proc_x"))
}

func TestIllegalCaptureFromPending(t *testing.T) {
	p := newTestPayment(t)
	err := p.Capture()
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, StatusPending, p.Status)
}

func succeededRefund(p *Payment, minorUnits int64) Refund {
	amount, _ := money.FromMinorUnits(minorUnits, p.Amount.Currency)
	now := time.Now().UTC()
	return Refund{
		ID:          uuid.New(),
		PaymentID:   p.ID,
		Amount:      amount,
		Status:      RefundSucceeded,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

func TestApplyRefund_PartialThenFull(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Authorize("mock_processor", "proc_123"))
	require.NoError(t, p.Capture())

	require.NoError(t, p.ApplyRefund(succeededRefund(p, 4000)))
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(6000), p.RemainingRefundable().MinorUnits())

	require.NoError(t, p.ApplyRefund(succeededRefund(p, 6000)))
	assert.Equal(t, StatusRefunded, p.Status)
	assert.True(t, p.RemainingRefundable().IsZero())
}

func TestApplyRefund_DuplicateIsNoop(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Authorize("mock_processor", "proc_123"))
	require.NoError(t, p.Capture())

	refund := succeededRefund(p, 4000)
	require.NoError(t, p.ApplyRefund(refund))
	require.NoError(t, p.ApplyRefund(refund))

	assert.Len(t, p.Refunds, 1)
	assert.Equal(t, int64(6000), p.RemainingRefundable().MinorUnits())
}

func TestRemainingRefundable_IgnoresFailedRefunds(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Authorize("mock_processor", "proc_123"))
	require.NoError(t, p.Capture())

	failed := succeededRefund(p, 4000)
	failed.Status = RefundFailed
	p.Refunds = append(p.Refunds, failed)

	assert.Equal(t, int64(10000), p.RemainingRefundable().MinorUnits())
	assert.Equal(t, StatusCaptured, p.Status)
}

func TestRemainingRefundable_ZeroOutsideCaptured(t *testing.T) {
	p := newTestPayment(t)
	assert.True(t, p.RemainingRefundable().IsZero())

	require.NoError(t, p.Authorize("mock_processor", "proc_123"))
	assert.True(t, p.RemainingRefundable().IsZero())
}

func TestDrainAudit(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Authorize("mock_processor", "proc_123"))

	records := p.DrainAudit()
	require.Len(t, records, 2)
	assert.Equal(t, EventPaymentCreated, records[0].EventType)
	assert.Equal(t, EventPaymentAuthorized, records[1].EventType)
	assert.Empty(t, p.DrainAudit())
}

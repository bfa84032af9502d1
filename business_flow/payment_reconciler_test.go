package businessflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/app/services"
	"github.com/amirphl/Mizuchi/models"
	testutil "github.com/amirphl/Mizuchi/testing"
	"github.com/amirphl/Mizuchi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePaymentWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("CaptureIsAppliedOnce", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{TenantID: 1, Total: 50000})
		payment := h.store.SeedPayment(order, "order_gw_1")
		body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", 50000, "INR")
		sig := SignPayload(body, testWebhookSecret)

		ack, err := h.reconciler.HandlePaymentWebhook(ctx, body, sig, "", nil)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ack.EventID)
		assert.Equal(t, string(AdmissionAdmitted), ack.Status)

		o := h.order(t, order.ID)
		assert.Equal(t, models.OrderStatusConfirmed, o.Status)
		assert.Equal(t, models.OrderPaymentStatusPaid, o.PaymentStatus)
		assert.Equal(t, "pay_1", utils.Deref(o.PaymentReference))

		p := h.payment(t, payment.ID)
		assert.Equal(t, models.PaymentStatusCaptured, p.Status)
		assert.Equal(t, "pay_1", utils.Deref(p.GatewayPaymentRef))
		assert.NotNil(t, p.CapturedAt)

		// the gateway retries the same delivery
		ack, err = h.reconciler.HandlePaymentWebhook(ctx, body, sig, "", nil)
		require.NoError(t, err)
		assert.Equal(t, string(AdmissionAlreadyProcessed), ack.Status)

		assert.Len(t, h.timeline(t, order.ID), 1)
		ledger := h.ledger(t, order.ID)
		require.Len(t, ledger, 1)
		assert.Equal(t, models.TransactionTypeCapture, ledger[0].Type)
		assert.EqualValues(t, 50000, ledger[0].Amount)

		events := h.store.AllWebhookEvents()
		require.Len(t, events, 1)
		assert.True(t, events[0].Processed)
		assert.Equal(t, utils.PaymentWebhookSource, events[0].Source)

		assert.Equal(t, []string{models.EventOrderStatusChanged, models.EventPaymentCaptured}, outboxTypes(h.store.AllOutboxEvents()))
		assert.Equal(t, []string{
			models.AuditActionOrderStatusChanged,
			models.AuditActionPaymentConfirmed,
			models.AuditActionPaymentCaptured,
		}, auditActions(h.store.AllAuditLogs()))
	})

	t.Run("InvalidSignatureChangesNothing", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		h.store.SeedPayment(order, "order_gw_1")
		body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", order.Total, "INR")

		_, err := h.reconciler.HandlePaymentWebhook(ctx, body, SignPayload(body, "some-other-secret"), "", nil)
		require.Error(t, err)
		assert.True(t, IsInvalidSignature(err))

		assert.Empty(t, h.store.AllWebhookEvents())
		assert.Equal(t, models.OrderStatusPending, h.order(t, order.ID).Status)

		assert.Empty(t, h.store.AllAuditLogs())
	})

	t.Run("UnsignedJunkWritesNoAudit", func(t *testing.T) {
		h := newHarness(t)
		for i := range 20 {
			junk := []byte(fmt.Sprintf(`{"id":"junk_%d","event":"payment.captured"}`, i))
			_, err := h.reconciler.HandlePaymentWebhook(ctx, junk, "deadbeef", "", nil)
			require.True(t, IsInvalidSignature(err))
		}
		_, err := h.reconciler.HandlePaymentWebhook(ctx, nil, "", "", nil)
		require.True(t, IsInvalidWebhookPayload(err))

		assert.Empty(t, h.store.AllAuditLogs())
		assert.Empty(t, h.store.AllWebhookEvents())
	})

	t.Run("MissingSignature", func(t *testing.T) {
		h := newHarness(t)
		body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", 100, "INR")
		_, err := h.reconciler.HandlePaymentWebhook(ctx, body, "", "", nil)
		assert.True(t, IsInvalidSignature(err))
	})

	t.Run("MalformedBody", func(t *testing.T) {
		h := newHarness(t)
		body := []byte(`{"event":`)
		_, err := h.reconciler.HandlePaymentWebhook(ctx, body, SignPayload(body, testWebhookSecret), "", nil)
		assert.True(t, IsInvalidWebhookPayload(err))

		// signed, so the rejection is audited
		logs := h.store.AllAuditLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, models.AuditActionWebhookRejected, logs[0].Action)
		assert.True(t, logs[0].IsFailed())
	})

	t.Run("FailureRollsBackEverything", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		payment := h.store.SeedPayment(order, "order_gw_1")
		body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", order.Total, "INR")

		h.store.FailNext("transactions.Save", errors.New("disk full"))
		err := h.deliver(t, body)
		require.Error(t, err)

		assert.Equal(t, models.PaymentStatusCreated, h.payment(t, payment.ID).Status)
		o := h.order(t, order.ID)
		assert.Equal(t, models.OrderStatusPending, o.Status)
		assert.Equal(t, models.OrderPaymentStatusUnpaid, o.PaymentStatus)
		assert.Empty(t, h.timeline(t, order.ID))
		assert.Empty(t, h.store.AllWebhookEvents())
		assert.Empty(t, h.store.AllOutboxEvents())

		logs := h.store.AllAuditLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, models.AuditActionReconcileFailed, logs[0].Action)

		// the event was not admitted, so the gateway's retry is applied
		require.NoError(t, h.deliver(t, body))
		assert.Equal(t, models.PaymentStatusCaptured, h.payment(t, payment.ID).Status)
		assert.Len(t, h.timeline(t, order.ID), 1)
	})

	t.Run("AmountMismatchIsAGuard", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{Total: 50000})
		payment := h.store.SeedPayment(order, "order_gw_1")
		body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", 49999, "INR")

		err := h.deliver(t, body)
		require.Error(t, err)
		assert.True(t, IsReconciliationGuard(err))
		assert.Equal(t, models.PaymentStatusCreated, h.payment(t, payment.ID).Status)
		assert.Empty(t, h.store.AllWebhookEvents())
	})

	t.Run("UnknownGatewayOrder", func(t *testing.T) {
		h := newHarness(t)
		body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_missing", "pay_1", 100, "INR")
		err := h.deliver(t, body)
		assert.True(t, IsOrderNotFound(err))
	})

	t.Run("UnsupportedEventIsAcknowledged", func(t *testing.T) {
		h := newHarness(t)
		body := []byte(`{"id":"evt_x","event":"dispute.created","payload":{}}`)

		ack, err := h.reconciler.HandlePaymentWebhook(ctx, body, SignPayload(body, testWebhookSecret), "", nil)
		require.NoError(t, err)
		assert.Equal(t, "ignored", ack.Status)

		events := h.store.AllWebhookEvents()
		require.Len(t, events, 1)
		assert.True(t, events[0].Processed)
	})

	t.Run("FailedThenCaptureConflicts", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		payment := h.store.SeedPayment(order, "order_gw_1")

		failed := testutil.PaymentEventBody("evt_f", "payment.failed", "order_gw_1", "pay_1", order.Total, "INR")
		require.NoError(t, h.deliver(t, failed))

		p := h.payment(t, payment.ID)
		assert.Equal(t, models.PaymentStatusFailed, p.Status)
		assert.NotNil(t, p.FailedAt)
		o := h.order(t, order.ID)
		assert.Equal(t, models.OrderPaymentStatusFailed, o.PaymentStatus)
		assert.Equal(t, models.OrderStatusPending, o.Status)

		captured := testutil.PaymentEventBody("evt_c", "payment.captured", "order_gw_1", "pay_1", order.Total, "INR")
		err := h.deliver(t, captured)
		require.Error(t, err)
		assert.True(t, IsReconciliationGuard(err))
		assert.Equal(t, models.PaymentStatusFailed, h.payment(t, payment.ID).Status)
	})

	t.Run("SecondCaptureEventIsANoop", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		h.store.SeedPayment(order, "order_gw_1")

		require.NoError(t, h.deliver(t, testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", order.Total, "INR")))
		require.NoError(t, h.deliver(t, testutil.PaymentEventBody("evt_2", "payment.captured", "order_gw_1", "pay_1", order.Total, "INR")))

		assert.Len(t, h.ledger(t, order.ID), 1)
		assert.Len(t, h.timeline(t, order.ID), 1)
		assert.Len(t, h.store.AllWebhookEvents(), 2)
	})
}

func TestPlanPurchaseActivatesSubscription(t *testing.T) {
	h := newHarness(t)

	first := h.store.SeedOrder(testutil.OrderFixture{TenantID: 7, PlanCode: "pro", Total: 99900})
	h.store.SeedPayment(first, "order_gw_1")
	require.NoError(t, h.deliver(t, testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", 99900, "INR")))

	subs := h.store.AllSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint(7), subs[0].TenantID)
	assert.Equal(t, models.SubscriptionStatusActive, subs[0].Status)
	assert.Equal(t, utils.PlanPeriod, subs[0].CurrentPeriodEnd.Sub(subs[0].CurrentPeriodStart))
	firstEnd := subs[0].CurrentPeriodEnd

	invoices := h.store.AllInvoices()
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
	assert.Equal(t, utils.InvoiceNumberPrefix+first.OrderNumber, invoices[0].InvoiceNumber)

	// a renewal extends the running period instead of opening a second subscription
	second := h.store.SeedOrder(testutil.OrderFixture{TenantID: 7, PlanCode: "pro", Total: 99900})
	h.store.SeedPayment(second, "order_gw_2")
	require.NoError(t, h.deliver(t, testutil.PaymentEventBody("evt_2", "payment.captured", "order_gw_2", "pay_2", 99900, "INR")))

	subs = h.store.AllSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, firstEnd.Add(utils.PlanPeriod), subs[0].CurrentPeriodEnd)
	assert.Equal(t, second.ID, subs[0].OrderID)
	assert.Len(t, h.store.AllInvoices(), 2)
}

func TestRefundWebhook(t *testing.T) {
	h := newHarness(t)
	order := h.store.SeedOrder(testutil.OrderFixture{Total: 20000})
	payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")

	require.NoError(t, h.deliver(t, testutil.RefundEventBody("evt_r", "rfnd_1", "pay_1", 0, "INR")))

	p := h.payment(t, payment.ID)
	assert.Equal(t, models.PaymentStatusRefunded, p.Status)
	assert.EqualValues(t, 20000, p.RefundedAmount)
	assert.Equal(t, "rfnd_1", utils.Deref(p.RefundReference))
	assert.Equal(t, models.OrderPaymentStatusRefunded, h.order(t, order.ID).PaymentStatus)

	ledger := h.ledger(t, order.ID)
	require.Len(t, ledger, 1)
	assert.Equal(t, models.TransactionTypeRefund, ledger[0].Type)

	t.Run("UnknownPayment", func(t *testing.T) {
		err := h.deliver(t, testutil.RefundEventBody("evt_r2", "rfnd_2", "pay_missing", 0, "INR"))
		assert.True(t, IsPaymentNotFound(err))
	})

	t.Run("RepeatedRefundIsANoop", func(t *testing.T) {
		require.NoError(t, h.deliver(t, testutil.RefundEventBody("evt_r3", "rfnd_1", "pay_1", 0, "INR")))
		assert.Len(t, h.ledger(t, order.ID), 1)
	})
}

func TestWebhookIngestorEventID(t *testing.T) {
	ctx := context.Background()

	t.Run("HeaderWhenBodyHasNoID", func(t *testing.T) {
		h := newHarness(t)
		body := []byte(`{"event":"dispute.created","payload":{}}`)
		res, err := h.ingestor.Admit(ctx, body, SignPayload(body, testWebhookSecret), "hdr-1", testWebhookSecret)
		require.NoError(t, err)
		assert.Equal(t, "hdr-1", res.Event.ID)
	})

	t.Run("DigestWhenNeitherIsPresent", func(t *testing.T) {
		h := newHarness(t)
		body := []byte(`{"event":"dispute.created","payload":{}}`)
		res, err := h.ingestor.Admit(ctx, body, SignPayload(body, testWebhookSecret), "", testWebhookSecret)
		require.NoError(t, err)
		assert.Contains(t, res.Event.ID, utils.SynthesizedEventIDPrefix)

		again, err := h.ingestor.Admit(ctx, body, SignPayload(body, testWebhookSecret), "", testWebhookSecret)
		require.NoError(t, err)
		assert.Equal(t, AdmissionAlreadyProcessed, again.Status)
		assert.Equal(t, res.Event.ID, again.Event.ID)
	})

	t.Run("CaptureWithoutOrderID", func(t *testing.T) {
		_, err := ParseGatewayEvent([]byte(`{"id":"e","event":"payment.captured","payload":{"payment":{"id":"pay_1"}}}`))
		assert.True(t, IsInvalidWebhookPayload(err))
	})
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := SignPayload(body, "secret")

	assert.True(t, VerifySignature(body, sig, "secret"))
	assert.True(t, VerifySignature(body, "sha256="+sig, "secret"))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature(body, "not-hex", "secret"))
	assert.False(t, VerifySignature(body, sig, ""))
	assert.False(t, VerifySignature([]byte(`{"id":"evt_2"}`), sig, "secret"))
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("FullRefund", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{TenantID: 3, Total: 15000})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")

		resp, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: 3, PaymentID: payment.ID, Reason: "damaged", Actor: "ops@example.com"})
		require.NoError(t, err)
		assert.Equal(t, string(models.PaymentStatusRefunded), resp.Status)
		assert.EqualValues(t, 15000, resp.RefundedAmount)
		assert.NotEmpty(t, resp.RefundReference)

		require.Equal(t, 1, h.gateway.RefundCount())
		assert.Equal(t, "pay_1", h.gateway.Refunds[0].GatewayPaymentRef)
		assert.NotEmpty(t, h.gateway.Refunds[0].IdempotencyKey)

		ledger := h.ledger(t, order.ID)
		require.Len(t, ledger, 1)
		assert.Equal(t, models.TransactionTypeRefund, ledger[0].Type)
		assert.Contains(t, outboxTypes(h.store.AllOutboxEvents()), models.EventPaymentRefunded)

		// one refund per payment
		_, err = h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: 3, PaymentID: payment.ID, Reason: "again"})
		assert.True(t, IsPaymentNotRefundable(err))
		assert.Equal(t, 1, h.gateway.RefundCount())
	})

	t.Run("GatewayFailureLeavesPaymentUntouched", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")
		h.gateway.Behavior = func(services.RefundRequest) error {
			return services.NewRejectedError("payment_gateway", 400, "refund_failed", "declined")
		}

		_, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: order.TenantID, PaymentID: payment.ID, Reason: "x"})
		require.Error(t, err)
		assert.Equal(t, "REFUND_FAILED", ErrorCode(err))

		p := h.payment(t, payment.ID)
		assert.Equal(t, models.PaymentStatusCaptured, p.Status)
		assert.Zero(t, p.RefundedAmount)
		assert.Nil(t, p.RefundReference)
		assert.Equal(t, models.OrderPaymentStatusPaid, h.order(t, order.ID).PaymentStatus)
		assert.Empty(t, h.ledger(t, order.ID))
		assert.Empty(t, h.store.AllOutboxEvents())

		logs := h.store.AllAuditLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, models.AuditActionRefundFailed, logs[0].Action)
	})

	t.Run("TransientGatewayErrorsAreRetried", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")
		calls := 0
		h.gateway.Behavior = func(services.RefundRequest) error {
			calls++
			if calls < 3 {
				return services.NewTransientError("payment_gateway", 503, "unavailable", nil)
			}
			return nil
		}

		_, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: order.TenantID, PaymentID: payment.ID, Reason: "x"})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, models.PaymentStatusRefunded, h.payment(t, payment.ID).Status)
	})

	t.Run("PartialAmount", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{Total: 10000})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")

		resp, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: order.TenantID, PaymentID: payment.ID, Amount: 2500, Reason: "x"})
		require.NoError(t, err)
		assert.EqualValues(t, 2500, resp.RefundedAmount)
		assert.EqualValues(t, 2500, h.gateway.Refunds[0].Amount)
	})

	t.Run("AmountAboveCaptured", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{Total: 10000})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")

		_, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: order.TenantID, PaymentID: payment.ID, Amount: 10001, Reason: "x"})
		assert.True(t, IsRefundAmountInvalid(err))
		assert.Zero(t, h.gateway.RefundCount())
	})

	t.Run("UncapturedPayment", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		payment := h.store.SeedPayment(order, "order_gw_1")

		_, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: order.TenantID, PaymentID: payment.ID, Reason: "x"})
		assert.True(t, IsPaymentNotRefundable(err))
	})

	t.Run("OtherTenantsPayment", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{TenantID: 1})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")

		_, err := h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: 2, PaymentID: payment.ID, Reason: "x"})
		assert.True(t, IsPaymentNotFound(err))
	})

	t.Run("ConcurrentRefundIsRefused", func(t *testing.T) {
		h := newHarness(t)
		order := h.store.SeedOrder(testutil.OrderFixture{})
		payment := h.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")

		release, err := h.locker.Acquire(ctx, fmt.Sprintf("%s%d", utils.RefundLockKeyPrefix, payment.ID), utils.RefundLockTTL)
		require.NoError(t, err)
		defer release()

		_, err = h.reconciler.Refund(ctx, &dto.RefundRequest{TenantID: order.TenantID, PaymentID: payment.ID, Reason: "x"})
		assert.True(t, IsRefundInProgress(err))
		assert.Zero(t, h.gateway.RefundCount())
	})
}

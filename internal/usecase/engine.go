// internal/usecase/engine.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"refill-service/internal/codec"
	"refill-service/internal/domain"
	"refill-service/internal/provider"
	"refill-service/internal/pub"
	"refill-service/internal/repository"
	"refill-service/pkg/generator"
	"refill-service/pkg/receipt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier receives what the engine reports to the terminal UI.
type Notifier interface {
	Notify(ev domain.StatusEvent)
	Receipt(r *domain.ReconciliationReceipt)
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.StatusEvent)             {}
func (nopNotifier) Receipt(*domain.ReconciliationReceipt) {}

// EngineDeps are shared by every engine the factory builds.
type EngineDeps struct {
	Gateway     provider.GatewayClient
	Sessions    repository.SessionStoreFactory
	Receipts    repository.ReceiptRepository
	Anomalies   repository.AnomalyRepository
	Publisher   pub.Publisher
	Codes       *generator.Generator
	Policy      domain.AmountPolicy
	CallbackURL string
	Currency    string
	Logger      *zap.Logger
	Now         func() time.Time
}

type EngineFactory struct {
	deps EngineDeps
}

func NewEngineFactory(deps EngineDeps) *EngineFactory {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = pub.NoopPublisher{}
	}
	if deps.Codes == nil {
		deps.Codes = generator.NewGenerator()
	}
	return &EngineFactory{deps: deps}
}

func (f *EngineFactory) Policy() domain.AmountPolicy { return f.deps.Policy }

// New builds the engine for one terminal session. medium may be nil for
// engines that only verify payments.
func (f *EngineFactory) New(sessionID string, medium provider.MediumAdapter, notifier Notifier) *ReconciliationEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReconciliationEngine{
		deps:      f.deps,
		sessionID: sessionID,
		store:     f.deps.Sessions.For(sessionID),
		medium:    medium,
		notifier:  notifier,
		logger:    f.deps.Logger.With(zap.String("session_id", sessionID)),
		state:     domain.StateIdle,
	}
}

// ReconciliationEngine tracks one refill from checkout to the tag write.
// Whether a reconciliation is in flight is always read from the session
// store; the fields below only mirror it for the UI.
type ReconciliationEngine struct {
	deps      EngineDeps
	sessionID string
	store     repository.SessionStore
	medium    provider.MediumAdapter
	notifier  Notifier
	logger    *zap.Logger

	// opMu serializes engine operations; busy rejects tag work that arrives
	// while another read result is still being processed.
	opMu sync.Mutex
	busy atomic.Bool

	mu            sync.Mutex
	state         domain.EngineState
	snapshot      *domain.CardSnapshot
	uninitialized string
	lastReceipt   *domain.ReconciliationReceipt
}

func (e *ReconciliationEngine) SessionID() string { return e.sessionID }

func (e *ReconciliationEngine) State() domain.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *ReconciliationEngine) Snapshot() *domain.CardSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshot == nil {
		return nil
	}
	s := *e.snapshot
	return &s
}

func (e *ReconciliationEngine) Busy() bool { return e.busy.Load() }

func (e *ReconciliationEngine) setState(s domain.EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *ReconciliationEngine) setSnapshot(s *domain.CardSnapshot) {
	e.mu.Lock()
	e.snapshot = s
	e.mu.Unlock()
}

// Resume derives the engine state from the session store, typically after the
// terminal reconnects following the checkout redirect.
func (e *ReconciliationEngine) Resume(ctx context.Context) (domain.EngineState, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	rec, err := e.loadPending(ctx, "resume")
	if err != nil {
		return e.State(), err
	}
	switch {
	case rec == nil:
		if e.Snapshot() != nil {
			e.setState(domain.StateCardKnown)
		} else {
			e.setState(domain.StateIdle)
		}
		e.notify(domain.ToneInfo, "Present a card to check its balance", domain.ActionScan, nil)
	case !rec.Verified:
		e.setState(domain.StateAwaitingGateway)
		e.notify(domain.ToneInfo, "Waiting for payment confirmation", domain.ActionRedirect, rec)
	default:
		e.setState(domain.StateAwaitingApplication)
		e.notify(domain.ToneInfo,
			fmt.Sprintf("Payment confirmed. Present card %s to load %s", domain.MaskCardID(rec.CardID), e.money(rec.RequestedAmount)),
			domain.ActionPresentCard, rec)
	}
	return e.State(), nil
}

// Scan waits for one tag presentation and processes it. Cancelling ctx aborts the scan.
func (e *ReconciliationEngine) Scan(ctx context.Context) error {
	if e.medium == nil {
		return domain.MediumError("scan", "", "", errors.New("no medium attached"))
	}
	e.notify(domain.ToneInfo, "Hold the card near the reader", domain.ActionNone, nil)

	ev, err := e.medium.ReadOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			mediumOperationsTotal.WithLabelValues("read", "cancelled").Inc()
			e.notify(domain.ToneInfo, "Scan cancelled", domain.ActionScan, nil)
			return domain.ErrScanCancelled
		}
		mediumOperationsTotal.WithLabelValues("read", "error").Inc()
		e.logger.Warn("tag read failed", zap.Error(err))
		e.notify(domain.ToneAlert, "Could not read the card. Try again.", domain.ActionRetry, nil)
		return domain.MediumError("read", "", "", err)
	}
	mediumOperationsTotal.WithLabelValues("read", "ok").Inc()
	return e.PresentCard(ctx, ev)
}

// PresentCard processes one tag read: a plain balance check, or the
// application of a verified payment when one is pending.
func (e *ReconciliationEngine) PresentCard(ctx context.Context, ev *domain.TagEvent) error {
	if !e.busy.CompareAndSwap(false, true) {
		e.notify(domain.ToneAlert, "Busy. Wait for the current card operation to finish.", domain.ActionNone, nil)
		return domain.MediumError("present_card", "", ev.CardID, domain.ErrBusy)
	}
	defer e.busy.Store(false)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	balance, ok := codec.Decode(ev.Payload)
	if !ok {
		mediumOperationsTotal.WithLabelValues("decode", "ambiguous").Inc()
		e.mu.Lock()
		e.uninitialized = ev.CardID
		e.mu.Unlock()
		e.notifyCard(domain.ToneAlert, "This card has no balance record. Initialize it to continue.", domain.ActionReset, ev.CardID, nil, nil)
		return domain.DecodeAmbiguityError(ev.CardID)
	}

	snap := &domain.CardSnapshot{Balance: balance, CardID: ev.CardID, ObservedAt: e.deps.Now().UTC()}
	e.mu.Lock()
	e.snapshot = snap
	e.uninitialized = ""
	e.mu.Unlock()

	rec, err := e.loadPending(ctx, "present_card")
	if err != nil {
		return err
	}
	if rec == nil {
		e.setState(domain.StateCardKnown)
		e.notifyCard(domain.ToneInfo, "Balance: "+e.money(balance), domain.ActionNone, ev.CardID, &balance, nil)
		return nil
	}

	applied, err := e.store.IsApplied(ctx, rec.Reference)
	if err != nil {
		return e.storeError("present_card", rec, err)
	}
	if applied {
		// Reloaded after the write but before the slot was emptied.
		reconciliationsTotal.WithLabelValues("already_applied").Inc()
		e.logger.Info("pending reference already applied, clearing slot", zap.String("reference", rec.Reference))
		if err := e.store.Clear(ctx); err != nil {
			return e.storeError("present_card", rec, err)
		}
		e.setState(domain.StateCardKnown)
		e.notifyCard(domain.ToneInfo, "Refill already applied. Balance: "+e.money(balance), domain.ActionNone, ev.CardID, &balance, rec)
		return nil
	}

	if !rec.Verified {
		e.setState(domain.StateAwaitingGateway)
		e.notifyCard(domain.ToneInfo, "Balance: "+e.money(balance)+". Payment not confirmed yet.", domain.ActionRedirect, ev.CardID, &balance, rec)
		return nil
	}

	if rec.CardID != ev.CardID {
		reconciliationsTotal.WithLabelValues("card_mismatch").Inc()
		e.logger.Warn("card mismatch",
			zap.String("reference", rec.Reference),
			zap.String("expected_card", domain.MaskCardID(rec.CardID)),
			zap.String("card_id", domain.MaskCardID(ev.CardID)))
		e.setState(domain.StateAwaitingApplication)
		e.notifyCard(domain.ToneAlert,
			fmt.Sprintf("Card mismatch. Present card %s that started this refill.", domain.MaskCardID(rec.CardID)),
			domain.ActionPresentCard, ev.CardID, nil, rec)
		return domain.StateError("present_card", rec.Reference, ev.CardID, domain.ErrCardMismatch)
	}

	return e.apply(ctx, rec, snap)
}

func (e *ReconciliationEngine) apply(ctx context.Context, rec *domain.PendingReconciliation, snap *domain.CardSnapshot) error {
	start := time.Now()
	e.setState(domain.StateAwaitingApplication)

	var prior, target decimal.Decimal
	if rec.Applying && rec.PriorBalance != nil && rec.TargetBalance != nil {
		prior, target = *rec.PriorBalance, *rec.TargetBalance
		switch {
		case snap.Balance.Equal(target):
			e.logger.Info("tag already carries target balance, finalizing without write",
				zap.String("reference", rec.Reference), zap.String("balance", target.StringFixed(2)))
			return e.finalize(ctx, rec, prior, target, start)
		case snap.Balance.Equal(prior):
			e.logger.Info("retrying interrupted tag write", zap.String("reference", rec.Reference))
		default:
			e.reportAnomaly(ctx, domain.AnomalyAmbiguousBalance, rec,
				fmt.Sprintf("card shows %s, expected %s or %s", snap.Balance.StringFixed(2), prior.StringFixed(2), target.StringFixed(2)))
			e.notifyCard(domain.ToneAlert, "Card balance changed during an interrupted refill. Contact support.",
				domain.ActionNone, snap.CardID, nil, rec)
			return domain.StateError("apply", rec.Reference, snap.CardID, domain.ErrBalanceChanged)
		}
	} else {
		prior = snap.Balance
		target = domain.Round2(prior.Add(rec.RequestedAmount))
		rec.MarkApplying(prior, target)
		if err := e.store.Save(ctx, rec); err != nil {
			return e.storeError("apply", rec, err)
		}
	}

	err := e.medium.Write(ctx, rec.CardID, codec.Encode(target))
	mediumOperationsTotal.WithLabelValues("write", resultLabel(err)).Inc()
	if err != nil {
		reconciliationsTotal.WithLabelValues("write_failed").Inc()
		e.logger.Warn("tag write failed, pending refill kept",
			zap.String("reference", rec.Reference), zap.Error(err))
		e.notifyCard(domain.ToneAlert, "Card write failed. Present the same card again to retry.",
			domain.ActionPresentCard, rec.CardID, nil, rec)
		return domain.MediumError("write", rec.Reference, rec.CardID, err)
	}

	return e.finalize(ctx, rec, prior, target, start)
}

func (e *ReconciliationEngine) finalize(ctx context.Context, rec *domain.PendingReconciliation, prior, target decimal.Decimal, start time.Time) error {
	r, err := receipt.Build(receipt.Input{
		Code:          e.deps.Codes.Generate(),
		Reference:     rec.Reference,
		BaseAmount:    rec.RequestedAmount,
		Currency:      e.deps.Currency,
		CardID:        rec.CardID,
		BalanceBefore: prior,
		BalanceAfter:  target,
		InitiatedAt:   rec.CreatedAt,
		FinalizedAt:   e.deps.Now(),
	})
	if err != nil {
		return domain.StateError("finalize", rec.Reference, rec.CardID, err)
	}

	// The tag is already written, so a receipt store failure must not block the consume below.
	if e.deps.Receipts != nil {
		created, err := e.deps.Receipts.Create(ctx, r)
		switch {
		case err != nil:
			e.logger.Error("failed to store receipt", zap.String("reference", r.Reference), zap.Error(err))
		case !created:
			if existing, err := e.deps.Receipts.GetByReference(ctx, r.Reference); err == nil {
				r = existing
			}
		}
	}

	if err := e.store.Consume(ctx, rec.Reference); err != nil {
		e.reportAnomaly(ctx, domain.AnomalyConsumeFailed, rec, err.Error())
		e.notifyCard(domain.ToneAlert, "Card updated but the refill could not be closed. Present the card again.",
			domain.ActionPresentCard, rec.CardID, &target, rec)
		re := domain.StateError("consume", rec.Reference, rec.CardID, err)
		re.Retryable = true
		return re
	}

	e.mu.Lock()
	e.state = domain.StateReconciled
	e.snapshot = &domain.CardSnapshot{Balance: target, CardID: rec.CardID, ObservedAt: e.deps.Now().UTC()}
	e.lastReceipt = r
	e.mu.Unlock()

	reconciliationsTotal.WithLabelValues("applied").Inc()
	applicationDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("refill applied",
		zap.String("reference", rec.Reference),
		zap.String("card_id", domain.MaskCardID(rec.CardID)),
		zap.String("amount", rec.RequestedAmount.StringFixed(2)),
		zap.String("balance_after", target.StringFixed(2)),
		zap.String("receipt_code", r.Code))

	if err := e.deps.Publisher.PublishReceiptFinalized(ctx, e.sessionID, r); err != nil {
		e.logger.Warn("failed to publish receipt event", zap.String("reference", r.Reference), zap.Error(err))
	}

	e.notifyCard(domain.ToneSuccess, "Refill complete. New balance: "+e.money(target), domain.ActionNone, rec.CardID, &target, rec)
	e.notifier.Receipt(r)
	return nil
}

// BeginRefill starts a checkout for the card last read. The amount is checked
// before the gateway is contacted.
func (e *ReconciliationEngine) BeginRefill(ctx context.Context, amount decimal.Decimal) (*provider.Checkout, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	snap := e.Snapshot()
	if snap == nil {
		e.notify(domain.ToneAlert, "Present a card before choosing an amount", domain.ActionScan, nil)
		return nil, domain.StateError("begin_refill", "", "", domain.ErrNoCard)
	}
	if err := e.deps.Policy.Validate(amount); err != nil {
		var re *domain.RefillError
		msg := "Invalid amount"
		if errors.As(err, &re) && re.Err != nil {
			msg = "Invalid amount: " + re.Err.Error()
		}
		e.notifyCard(domain.ToneAlert, msg, domain.ActionNone, snap.CardID, nil, nil)
		return nil, err
	}

	existing, err := e.loadPending(ctx, "begin_refill")
	if err != nil {
		return nil, err
	}

	e.setState(domain.StateAwaitingGateway)
	co, err := e.deps.Gateway.Initiate(ctx, &provider.InitiateRequest{
		Amount:      amount,
		CardID:      snap.CardID,
		SessionID:   e.sessionID,
		CallbackURL: e.deps.CallbackURL,
		Metadata:    map[string]string{"purpose": "tag_refill"},
	})
	gatewayCallsTotal.WithLabelValues("initiate", resultLabel(err)).Inc()
	if err != nil {
		e.setState(domain.StateCardKnown)
		e.logger.Error("checkout initiate failed", zap.String("card_id", domain.MaskCardID(snap.CardID)), zap.Error(err))
		e.notifyCard(domain.ToneAlert, "Could not start the payment. Try again.", domain.ActionRetry, snap.CardID, nil, nil)
		return nil, domain.GatewayError("initiate", "", false, err)
	}

	if existing != nil && existing.Reference != co.Reference {
		if applied, err := e.store.IsApplied(ctx, existing.Reference); err != nil || !applied {
			e.reportAnomaly(ctx, domain.AnomalySuperseded, existing,
				fmt.Sprintf("replaced by %s (verified=%t)", co.Reference, existing.Verified))
		}
	}

	rec := &domain.PendingReconciliation{
		Reference:       co.Reference,
		CardID:          snap.CardID,
		RequestedAmount: amount,
		CreatedAt:       e.deps.Now().UTC(),
		CheckoutURL:     co.CheckoutURL,
	}
	if err := e.store.Save(ctx, rec); err != nil {
		e.setState(domain.StateCardKnown)
		return nil, e.storeError("begin_refill", rec, err)
	}

	e.logger.Info("refill initiated",
		zap.String("reference", co.Reference),
		zap.String("card_id", domain.MaskCardID(snap.CardID)),
		zap.String("amount", amount.StringFixed(2)))
	e.notifyCard(domain.ToneInfo, "Redirecting to checkout", domain.ActionRedirect, snap.CardID, nil, rec)
	return co, nil
}

// ConfirmPayment handles the return from checkout: it verifies the reference
// with the gateway and marks the pending record verified.
func (e *ReconciliationEngine) ConfirmPayment(ctx context.Context, reference string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if reference != "" {
		applied, err := e.store.IsApplied(ctx, reference)
		if err != nil {
			return e.storeError("confirm_payment", &domain.PendingReconciliation{Reference: reference}, err)
		}
		if applied {
			e.setState(domain.StateReconciled)
			e.notify(domain.ToneSuccess, "This refill has already been applied", domain.ActionNone,
				&domain.PendingReconciliation{Reference: reference})
			if r, err := e.Receipt(ctx, reference); err == nil {
				e.notifier.Receipt(r)
			}
			return nil
		}
	}

	rec, err := e.loadPending(ctx, "confirm_payment")
	if err != nil {
		return err
	}
	if rec == nil || reference == "" {
		reconciliationsTotal.WithLabelValues("session_lost").Inc()
		e.logger.Warn("payment returned without a pending refill", zap.String("reference", reference))
		e.mu.Lock()
		e.state = domain.StateIdle
		e.snapshot = nil
		e.mu.Unlock()
		e.notify(domain.ToneAlert, "Payment info lost, restart", domain.ActionRestart, nil)
		return domain.StateError("confirm_payment", reference, "", domain.ErrSessionLost)
	}
	if rec.Reference != reference {
		e.reportAnomaly(ctx, domain.AnomalyOrphanedPayment, rec, "returned reference "+reference)
		e.notify(domain.ToneAlert, "This payment does not match the refill in progress", domain.ActionRestart, rec)
		return domain.StateError("confirm_payment", reference, rec.CardID, domain.ErrReferenceMismatch)
	}
	if rec.Verified {
		e.setState(domain.StateAwaitingApplication)
		e.notify(domain.ToneInfo,
			fmt.Sprintf("Payment confirmed. Present card %s to load %s", domain.MaskCardID(rec.CardID), e.money(rec.RequestedAmount)),
			domain.ActionPresentCard, rec)
		return nil
	}

	e.setState(domain.StateAwaitingVerification)
	e.notify(domain.ToneInfo, "Confirming payment", domain.ActionNone, rec)

	v, err := e.deps.Gateway.Verify(ctx, reference)
	gatewayCallsTotal.WithLabelValues("verify", resultLabel(err)).Inc()
	if err != nil {
		// Nothing is known about the charge yet, so the record stays for a retry.
		e.setState(domain.StateAwaitingGateway)
		e.logger.Warn("payment verification failed", zap.String("reference", reference), zap.Error(err))
		e.notify(domain.ToneAlert, "Could not confirm the payment. Try again.", domain.ActionRetry, rec)
		return domain.GatewayError("verify", reference, true, err)
	}

	if v.Outcome != provider.OutcomeSuccess {
		reconciliationsTotal.WithLabelValues("payment_failed").Inc()
		if err := e.store.Clear(ctx); err != nil {
			e.logger.Error("failed to clear pending refill", zap.String("reference", reference), zap.Error(err))
		}
		e.mu.Lock()
		e.state = domain.StateIdle
		e.snapshot = nil
		e.mu.Unlock()
		e.logger.Info("payment not completed", zap.String("reference", reference), zap.String("gateway_status", v.GatewayStatus))
		e.notify(domain.ToneAlert, "Payment not completed", domain.ActionRestart, rec)
		return domain.GatewayError("verify", reference, false, domain.ErrPaymentNotCompleted)
	}

	if v.ConfirmedAmount.IsPositive() {
		if !v.ConfirmedAmount.Equal(rec.RequestedAmount) {
			e.logger.Warn("gateway confirmed a different amount",
				zap.String("reference", reference),
				zap.String("requested", rec.RequestedAmount.StringFixed(2)),
				zap.String("confirmed", v.ConfirmedAmount.StringFixed(2)))
		}
		rec.RequestedAmount = v.ConfirmedAmount
	}
	now := e.deps.Now().UTC()
	rec.Verified = true
	rec.VerifiedAt = &now
	if err := e.store.Save(ctx, rec); err != nil {
		return e.storeError("confirm_payment", rec, err)
	}

	e.setState(domain.StateAwaitingApplication)
	reconciliationsTotal.WithLabelValues("verified").Inc()
	e.logger.Info("payment verified",
		zap.String("reference", reference),
		zap.String("amount", rec.RequestedAmount.StringFixed(2)))
	e.notify(domain.ToneSuccess,
		fmt.Sprintf("Payment confirmed. Present card %s to load %s", domain.MaskCardID(rec.CardID), e.money(rec.RequestedAmount)),
		domain.ActionPresentCard, rec)
	return nil
}

// ResetCard writes a zero balance to the card that failed to decode.
func (e *ReconciliationEngine) ResetCard(ctx context.Context) error {
	if !e.busy.CompareAndSwap(false, true) {
		return domain.MediumError("reset_card", "", "", domain.ErrBusy)
	}
	defer e.busy.Store(false)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	cardID := e.uninitialized
	e.mu.Unlock()
	if cardID == "" {
		return domain.StateError("reset_card", "", "", domain.ErrNoCard)
	}
	if e.medium == nil {
		return domain.MediumError("reset_card", "", cardID, errors.New("no medium attached"))
	}

	err := e.medium.Write(ctx, cardID, codec.Encode(decimal.Zero))
	mediumOperationsTotal.WithLabelValues("reset", resultLabel(err)).Inc()
	if err != nil {
		e.notifyCard(domain.ToneAlert, "Card initialization failed. Try again.", domain.ActionReset, cardID, nil, nil)
		return domain.MediumError("reset_card", "", cardID, err)
	}

	zero := decimal.Zero
	e.mu.Lock()
	e.uninitialized = ""
	e.snapshot = &domain.CardSnapshot{Balance: zero, CardID: cardID, ObservedAt: e.deps.Now().UTC()}
	e.mu.Unlock()

	rec, err := e.loadPending(ctx, "reset_card")
	if err != nil {
		return err
	}
	if rec != nil && rec.Verified && rec.CardID == cardID {
		e.setState(domain.StateAwaitingApplication)
		e.notifyCard(domain.ToneSuccess, "Card initialized. Present it again to load the refill.", domain.ActionPresentCard, cardID, &zero, rec)
		return nil
	}
	e.setState(domain.StateCardKnown)
	e.logger.Info("card initialized", zap.String("card_id", domain.MaskCardID(cardID)))
	e.notifyCard(domain.ToneSuccess, "Card initialized. Balance: "+e.money(zero), domain.ActionNone, cardID, &zero, nil)
	return nil
}

// Receipt returns a finalized receipt for re-display or printing.
func (e *ReconciliationEngine) Receipt(ctx context.Context, reference string) (*domain.ReconciliationReceipt, error) {
	e.mu.Lock()
	last := e.lastReceipt
	e.mu.Unlock()
	if last != nil && (reference == "" || last.Reference == reference) {
		return last, nil
	}
	if reference == "" || e.deps.Receipts == nil {
		return nil, domain.ErrReceiptNotFound
	}
	return e.deps.Receipts.GetByReference(ctx, reference)
}

func (e *ReconciliationEngine) loadPending(ctx context.Context, op string) (*domain.PendingReconciliation, error) {
	rec, err := e.store.Load(ctx)
	if errors.Is(err, repository.ErrPendingExpired) {
		e.expired(ctx, rec)
		return nil, nil
	}
	if err != nil {
		return nil, e.storeError(op, nil, err)
	}
	return rec, nil
}

// expired records a reconciliation that timed out. Unpaid ones were abandoned
// checkouts; a paid one was charged and never credited, so operators must see it.
func (e *ReconciliationEngine) expired(ctx context.Context, rec *domain.PendingReconciliation) {
	if rec == nil {
		return
	}
	if !rec.Verified && !rec.Applying {
		reconciliationsTotal.WithLabelValues("expired").Inc()
		e.logger.Info("abandoned checkout expired", zap.String("reference", rec.Reference))
		return
	}
	reconciliationsTotal.WithLabelValues("expired_paid").Inc()
	e.reportAnomaly(ctx, domain.AnomalyExpiredVerified, rec,
		fmt.Sprintf("paid refill expired before application (created %s, applying=%t)",
			rec.CreatedAt.UTC().Format(time.RFC3339), rec.Applying))
}

// storeError classifies session storage failures. They are retryable: the
// slot is untouched when a read or write to it fails.
func (e *ReconciliationEngine) storeError(op string, rec *domain.PendingReconciliation, err error) error {
	e.logger.Error("session store failure", zap.String("op", op), zap.Error(err))
	e.notify(domain.ToneAlert, "Temporary problem. Try again.", domain.ActionRetry, rec)
	re := &domain.RefillError{Kind: domain.KindState, Op: op, Retryable: true, Err: err}
	if rec != nil {
		re.Reference, re.CardID = rec.Reference, rec.CardID
	}
	return re
}

func (e *ReconciliationEngine) reportAnomaly(ctx context.Context, kind domain.AnomalyKind, rec *domain.PendingReconciliation, detail string) {
	a := &domain.Anomaly{
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  e.sessionID,
		Reference:  rec.Reference,
		CardID:     rec.CardID,
		Amount:     rec.RequestedAmount,
		Detail:     detail,
		DetectedAt: e.deps.Now().UTC(),
	}
	anomaliesTotal.WithLabelValues(string(kind)).Inc()
	e.logger.Warn("reconciliation anomaly",
		zap.String("kind", string(kind)),
		zap.String("reference", a.Reference),
		zap.String("card_id", domain.MaskCardID(a.CardID)),
		zap.String("amount", a.Amount.StringFixed(2)),
		zap.String("detail", detail))

	if e.deps.Anomalies != nil {
		if err := e.deps.Anomalies.Create(ctx, a); err != nil {
			e.logger.Error("failed to store anomaly", zap.String("reference", a.Reference), zap.Error(err))
		}
	}
	if err := e.deps.Publisher.PublishAnomaly(ctx, a); err != nil {
		e.logger.Warn("failed to publish anomaly", zap.String("reference", a.Reference), zap.Error(err))
	}
}

func (e *ReconciliationEngine) notify(tone domain.Tone, msg string, action domain.Action, rec *domain.PendingReconciliation) {
	cardID := ""
	if rec != nil {
		cardID = rec.CardID
	}
	e.notifyCard(tone, msg, action, cardID, nil, rec)
}

func (e *ReconciliationEngine) notifyCard(tone domain.Tone, msg string, action domain.Action, cardID string, balance *decimal.Decimal, rec *domain.PendingReconciliation) {
	ev := domain.StatusEvent{
		Tone:    tone,
		Message: msg,
		State:   e.State(),
		Action:  action,
		CardID:  cardID,
		Balance: balance,
		At:      e.deps.Now().UTC(),
	}
	if rec != nil {
		ev.Reference = rec.Reference
	}
	e.notifier.Notify(ev)
}

func (e *ReconciliationEngine) money(d decimal.Decimal) string {
	if e.deps.Currency == "" {
		return d.StringFixed(2)
	}
	return e.deps.Currency + " " + d.StringFixed(2)
}

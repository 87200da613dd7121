//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/usecase"
)

func TestPaymentGate_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("should send the selected tier verbatim", func(t *testing.T) {
		mb := &MockBackend{}
		var gotTier model.Tier
		mb.CreateCheckoutSessionFunc = func(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
			gotTier = tier
			return &model.CheckoutSession{CheckoutURL: "https://checkout.example/cs_1", SessionID: "cs_1"}, nil
		}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

		sess, err := gate.CreateSession(ctx, "user_1", model.TierAdvanced)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if sess.CheckoutURL == "" {
			t.Error("expected a checkout url")
		}
		if gotTier != model.TierAdvanced {
			t.Errorf("tier sent = %q, want advanced", gotTier)
		}
	})

	t.Run("should reject an unknown tier without calling the backend", func(t *testing.T) {
		mb := &MockBackend{}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

		_, err := gate.CreateSession(ctx, "user_1", model.Tier("platinum"))
		if !errors.Is(err, domain.ErrSessionCreation) || !errors.Is(err, domain.ErrUnknownTier) {
			t.Fatalf("expected ErrSessionCreation/ErrUnknownTier, got %v", err)
		}
		if n := mb.Calls("CreateCheckoutSession"); n != 0 {
			t.Errorf("backend called %d times", n)
		}
	})

	t.Run("should wrap a backend rejection", func(t *testing.T) {
		mb := &MockBackend{}
		mb.CreateCheckoutSessionFunc = func(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
			return nil, &domain.BackendError{Op: "create checkout session", StatusCode: 500, Detail: "stripe down"}
		}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

		_, err := gate.CreateSession(ctx, "user_1", model.TierBasic)
		if !errors.Is(err, domain.ErrSessionCreation) {
			t.Fatalf("expected ErrSessionCreation, got %v", err)
		}
		if domain.StatusOf(err) != 500 {
			t.Errorf("backend cause lost: %v", err)
		}
	})
}

func TestPaymentGate_VerifySession(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid payment is an answer, not an error", func(t *testing.T) {
		mb := &MockBackend{VerifyPaymentFunc: verified(model.PaymentStatusConsumed)}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

		v, err := gate.VerifySession(ctx, "pay_999")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if v.Valid || v.Status != model.PaymentStatusConsumed {
			t.Errorf("unexpected verification %+v", v)
		}
	})

	t.Run("backend fault is ErrVerification", func(t *testing.T) {
		mb := &MockBackend{}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

		_, err := gate.VerifySession(ctx, "pay_123")
		if !errors.Is(err, domain.ErrVerification) {
			t.Fatalf("expected ErrVerification, got %v", err)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		mb := &MockBackend{VerifyPaymentFunc: verified(model.PaymentStatusPaid)}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)
		for i := 0; i < 3; i++ {
			v, err := gate.VerifySession(ctx, "pay_123")
			if err != nil || !v.Valid {
				t.Fatalf("call %d: v=%+v err=%v", i, v, err)
			}
		}
	})

	t.Run("coalesces concurrent calls for one reference", func(t *testing.T) {
		release := make(chan struct{})
		mb := &MockBackend{}
		mb.VerifyPaymentFunc = func(ctx context.Context, ref string) (*model.PaymentVerification, error) {
			<-release
			return &model.PaymentVerification{Reference: ref, Valid: true, Status: model.PaymentStatusPaid}, nil
		}
		gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := gate.VerifySession(ctx, "pay_123")
				errs <- err
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
		}
		if got := mb.Calls("VerifyPayment"); got >= n {
			t.Errorf("expected coalesced calls, backend saw %d", got)
		}
	})
}

func TestPaymentGate_History(t *testing.T) {
	mb := &MockBackend{}
	mb.PaymentHistoryFunc = func(ctx context.Context, userID string) ([]model.PaymentRecord, error) {
		return []model.PaymentRecord{{Reference: "pay_1", Amount: 6, Status: model.PaymentStatusConsumed, JobID: "job_1"}}, nil
	}
	gate := usecase.NewPaymentGate(mb, newTestLogger(), false)

	recs, err := gate.History(context.Background(), "user_1")
	if err != nil || len(recs) != 1 || recs[0].JobID != "job_1" {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}
	if _, err := gate.History(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty user: want ErrValidation, got %v", err)
	}
}

package model

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusUnknown      PaymentStatus = ""
	PaymentStatusPending      PaymentStatus = "pending"       // checkout opened, not yet paid
	PaymentStatusPaid         PaymentStatus = "paid"          // may be bound to one job
	PaymentStatusPendingRetry PaymentStatus = "pending_retry" // job failed; one free resubmission allowed
	PaymentStatusConsumed     PaymentStatus = "consumed"      // bound to a job
	PaymentStatusRefunded     PaymentStatus = "refunded"
)

// ParsePaymentStatus normalizes the backend's status string.
func ParsePaymentStatus(s string) PaymentStatus {
	switch PaymentStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PaymentStatusPending:
		return PaymentStatusPending
	case PaymentStatusPaid:
		return PaymentStatusPaid
	case PaymentStatusPendingRetry:
		return PaymentStatusPendingRetry
	case PaymentStatusConsumed:
		return PaymentStatusConsumed
	case PaymentStatusRefunded:
		return PaymentStatusRefunded
	}
	return PaymentStatusUnknown
}

// Usable reports whether a payment in this status can back a submission.
func (s PaymentStatus) Usable() bool {
	return s == PaymentStatusPaid || s == PaymentStatusPendingRetry
}

// CheckoutSession is what the processor hands back when a session is opened.
// The client navigates to CheckoutURL; nothing happens before that.
type CheckoutSession struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id,omitempty"`
}

// PaymentVerification is the backend's view of a payment reference.
// Valid=false is an ordinary answer, not an error.
type PaymentVerification struct {
	Reference string        `json:"payment_id"`
	Valid     bool          `json:"valid"`
	Status    PaymentStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
}

// RetryCredit is the backend's answer to a retry-credit (refund) request.
type RetryCredit struct {
	Reference    string `json:"payment_id"`
	RefundIssued bool   `json:"refund_issued"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
}

// PaymentRecord is one row of a user's consultation payment history.
type PaymentRecord struct {
	Reference string        `json:"payment_id"`
	Amount    float64       `json:"amount"`
	Status    PaymentStatus `json:"status"`
	JobID     string        `json:"job_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

var ErrNoPaymentReference = errors.New("return url carries no payment_id")

// ParseCheckoutReturn reads the processor redirect. A successful checkout
// lands on `?payment_id=<ref>`, an abandoned one on `?payment=cancel`.
// A bare reference (no scheme, no query) is returned as is.
func ParseCheckoutReturn(raw string) (ref string, cancelled bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, ErrNoPaymentReference
	}
	if !strings.ContainsAny(raw, "?=/") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	q := u.Query()
	if strings.EqualFold(q.Get("payment"), "cancel") {
		return "", true, nil
	}
	ref = strings.TrimSpace(q.Get("payment_id"))
	if ref == "" {
		return "", false, ErrNoPaymentReference
	}
	return ref, false, nil
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		checkoutSessionsTotal,
		paymentVerifyTotal,
		retryDecisionsTotal,
	)
}

var (
	checkoutSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_checkout_sessions_total",
			Help: "Checkout sessions requested, by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// result: valid|invalid|error
	paymentVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_payment_verify_total",
			Help: "Payment verifications by outcome.",
		},
		[]string{"result"},
	)

	// decision: eligible|ineligible|error
	retryDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_retry_decisions_total",
			Help: "Free-retry eligibility checks by decision.",
		},
		[]string{"decision"},
	)
)

func IncCheckout(tier string, err error) {
	checkoutSessionsTotal.WithLabelValues(norm(tier), result(err)).Inc()
}

func IncPaymentVerify(valid bool, err error) {
	switch {
	case err != nil:
		paymentVerifyTotal.WithLabelValues("error").Inc()
	case valid:
		paymentVerifyTotal.WithLabelValues("valid").Inc()
	default:
		paymentVerifyTotal.WithLabelValues("invalid").Inc()
	}
}

func IncRetryDecision(decision string) {
	retryDecisionsTotal.WithLabelValues(norm(decision)).Inc()
}

package se05x

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all driver metrics.
	Namespace = "se05x"

	LabelMode    = "mode"
	LabelOutcome = "outcome"
	LabelResult  = "result"

	ModeSecure = "secure"
	ModePlain  = "plain"

	OutcomeOK     = "ok"
	OutcomeStatus = "status"
	OutcomeError  = "error"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// ExchangesTotal counts Send calls by mode and outcome. "status" means the chip
	// answered with a status word other than 9000.
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "exchanges_total",
			Help:      "Total number of command exchanges by mode and outcome",
		},
		[]string{LabelMode, LabelOutcome},
	)

	// ExchangeDuration tracks Send latency in seconds.
	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Duration of command exchanges in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{LabelMode},
	)

	// TransportRetriesTotal counts response frames re-requested after a checksum or
	// length error.
	TransportRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transport_retries_total",
			Help:      "Total number of frames re-requested after a codec error",
		},
	)

	// ReauthTotal counts automatic re-authentications by result.
	ReauthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reauth_total",
			Help:      "Total number of automatic secure channel re-authentications",
		},
		[]string{LabelResult},
	)

	// SecurityViolationsTotal counts responses that failed MAC, padding or counter checks.
	SecurityViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "security_violations_total",
			Help:      "Total number of secure channel security violations",
		},
	)

	// SessionState is the scp03.State of the driver's channel (0 closed, 2 open, 3 broken).
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "session_state",
			Help:      "Current secure channel state",
		},
	)
)

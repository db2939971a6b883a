package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LoginAttempts    *prometheus.CounterVec
	Refreshes        *prometheus.CounterVec
	OTPRequests      *prometheus.CounterVec
	OTPVerifications *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	Lockouts         prometheus.Counter
	JanitorPurged    *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_login_attempts_total",
				Help: "Total login attempts by result.",
			},
			[]string{"result"},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_token_refreshes_total",
				Help: "Total refresh token rotations by result.",
			},
			[]string{"result"},
		),
		OTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_otp_requests_total",
				Help: "Total password reset OTP requests by result.",
			},
			[]string{"result"},
		),
		OTPVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_otp_verifications_total",
				Help: "Total password reset OTP verifications by result.",
			},
			[]string{"result"},
		),
		DispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_notification_dispatch_failures_total",
				Help: "Notifications the delivery channel did not accept.",
			},
			[]string{"channel"},
		),
		Lockouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_account_lockouts_total",
				Help: "Accounts locked after repeated login failures.",
			},
		),
		JanitorPurged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_janitor_purged_total",
				Help: "Expired rows removed by the janitor.",
			},
			[]string{"table"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.LoginAttempts,
			m.Refreshes,
			m.OTPRequests,
			m.OTPVerifications,
			m.DispatchFailures,
			m.Lockouts,
			m.JanitorPurged,
		)
	}
	return m
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.LoginAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) refresh(result string) {
	if m != nil {
		m.Refreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) otpRequest(result string) {
	if m != nil {
		m.OTPRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) otpVerification(result string) {
	if m != nil {
		m.OTPVerifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) dispatchFailure(channel string) {
	if m != nil {
		m.DispatchFailures.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) lockout() {
	if m != nil {
		m.Lockouts.Inc()
	}
}

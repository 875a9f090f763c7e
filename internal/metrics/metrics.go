package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts session lifecycle events. A nil *Recorder records nothing.
type Recorder struct {
	logins      *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	clears      *prometheus.CounterVec
	inits       *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_logins_total",
			Help: "Identity resolutions committed to the session store, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Refresh-token exchanges, by outcome.",
		}, []string{"outcome"}),
		clears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_clears_total",
			Help: "Transitions to the unauthenticated state, by reason.",
		}, []string{"reason"}),
		inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_init_total",
			Help: "Session initializer runs, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_transitions_total",
			Help: "Onboarding step transitions.",
		}, []string{"from", "to"}),
	}
	for _, c := range []prometheus.Collector{r.logins, r.refreshes, r.clears, r.inits, r.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Login(provider, outcome string) {
	if r == nil {
		return
	}
	r.logins.WithLabelValues(provider, outcome).Inc()
}

func (r *Recorder) Refresh(outcome string) {
	if r == nil {
		return
	}
	r.refreshes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Clear(reason string) {
	if r == nil {
		return
	}
	r.clears.WithLabelValues(reason).Inc()
}

func (r *Recorder) Init(outcome string) {
	if r == nil {
		return
	}
	r.inits.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

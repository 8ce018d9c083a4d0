package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_llm_calls_total",
			Help: "LLM calls by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)
	llmCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classroom_llm_call_duration_seconds",
			Help:    "LLM call latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"purpose"},
	)
)

func init() {
	prometheus.MustRegister(llmCallsTotal, llmCallDuration)
}

type instrumented struct {
	purpose Purpose
	next    Generator
	limiter *rate.Limiter
}

// Instrument wraps next with metrics and, when limiter is non-nil, waits for
// a token before every call. All call sites share one limiter so a burst of
// parallel agents cannot exceed the provider quota.
func Instrument(purpose Purpose, next Generator, limiter *rate.Limiter) Generator {
	return &instrumented{purpose: purpose, next: next, limiter: limiter}
}

func (i *instrumented) Generate(ctx context.Context, prompt string) (string, error) {
	label := string(i.purpose)
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			llmCallsTotal.WithLabelValues(label, "throttled").Inc()
			return "", fmt.Errorf("llm %s: rate limit wait: %w", label, err)
		}
	}

	start := time.Now()
	text, err := i.next.Generate(ctx, prompt)
	llmCallDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		llmCallsTotal.WithLabelValues(label, "error").Inc()
		return "", err
	}
	llmCallsTotal.WithLabelValues(label, "ok").Inc()
	return text, nil
}

type instrumentedSelector struct {
	purpose Purpose
	next    ModelSelector
	limiter *rate.Limiter
}

// InstrumentSelector applies Instrument to every generator sel hands out.
func InstrumentSelector(purpose Purpose, sel ModelSelector, limiter *rate.Limiter) ModelSelector {
	return &instrumentedSelector{purpose: purpose, next: sel, limiter: limiter}
}

func (s *instrumentedSelector) ForModel(model string) Generator {
	return Instrument(s.purpose, s.next.ForModel(model), s.limiter)
}

package observability

import (
	"log"
	"time"
)

// Operation kinds tracked against the latency threshold table.
const (
	OpTranscribe = "voice.transcribe"
	OpReply      = "voice.reply"
	OpProsody    = "voice.prosody"
	OpRoute      = "voice.tts.route"
	OpNegotiate  = "voice.realtime.negotiate"
	OpTurn       = "voice.turn"
)

// OpSynthesis returns the operation kind for one synthesis provider.
func OpSynthesis(provider string) string {
	return "voice.tts." + provider
}

// ThresholdTable maps an operation kind to its latency budget. The table is
// loaded once at startup and treated as immutable afterwards.
type ThresholdTable map[string]time.Duration

// DefaultThresholds returns the built-in latency budgets.
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		OpTranscribe:               2000 * time.Millisecond,
		OpReply:                    3500 * time.Millisecond,
		OpProsody:                  800 * time.Millisecond,
		OpSynthesis("elevenlabs"):  2500 * time.Millisecond,
		OpSynthesis("openai"):      4000 * time.Millisecond,
		OpSynthesis("deepgram"):    3000 * time.Millisecond,
		OpSynthesis("mock"):        500 * time.Millisecond,
		OpRoute:                    8000 * time.Millisecond,
		OpNegotiate:                3000 * time.Millisecond,
		OpTurn:                     6000 * time.Millisecond,
	}
}

// Sample is one timing or failure observation forwarded to the metrics sink.
type Sample struct {
	Op       string
	Duration time.Duration
	OK       bool
	Slow     bool
	Err      string
	Metadata map[string]string
}

// Recorder classifies operation timings against the threshold table and
// forwards them to the log and Prometheus. All methods are fire-and-forget:
// they never block the caller, never panic outward, and never alter control
// flow of the recorded operation.
type Recorder struct {
	thresholds ThresholdTable
	metrics    *Metrics
	window     *StageWindow
	sink       chan Sample
	logf       func(format string, args ...any)
	onSample   func(Sample)
}

// NewRecorder builds a Recorder. metrics and window may be nil (tests, or a
// process without a Prometheus endpoint); recording then degrades to log
// lines only.
func NewRecorder(thresholds ThresholdTable, metrics *Metrics, window *StageWindow) *Recorder {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	r := &Recorder{
		thresholds: thresholds,
		metrics:    metrics,
		window:     window,
		sink:       make(chan Sample, 512),
		logf:       log.Printf,
	}
	go r.drain()
	return r
}

// Metrics exposes the Prometheus instruments the recorder feeds, for
// callers that need counters the recorder does not manage itself.
func (r *Recorder) Metrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.metrics
}

// Threshold returns the budget for op, if one is configured.
func (r *Recorder) Threshold(op string) (time.Duration, bool) {
	if r == nil {
		return 0, false
	}
	d, ok := r.thresholds[op]
	return d, ok
}

// Record classifies one completed operation. An over-threshold duration is
// logged as slow regardless of ok; ok is always part of the record.
func (r *Recorder) Record(op string, d time.Duration, ok bool, metadata map[string]string) {
	if r == nil {
		return
	}
	defer swallowPanic("record")

	if d < 0 {
		d = 0
	}
	threshold, hasThreshold := r.thresholds[op]
	slow := hasThreshold && d > threshold

	if r.metrics != nil {
		r.metrics.StageLatency.WithLabelValues(op).Observe(float64(d.Milliseconds()))
		if slow {
			r.metrics.SlowOperations.WithLabelValues(op).Inc()
		}
		if !ok {
			r.metrics.OperationErrors.WithLabelValues(op).Inc()
		}
	}
	if r.window != nil {
		r.window.Observe(op, float64(d.Milliseconds()))
	}

	r.offer(Sample{Op: op, Duration: d, OK: ok, Slow: slow, Metadata: metadata})
}

// RecordError records a failure that produced no usable duration.
func (r *Recorder) RecordError(op string, err error, metadata map[string]string) {
	if r == nil {
		return
	}
	defer swallowPanic("record_error")

	detail := "unknown"
	if err != nil {
		detail = err.Error()
	}
	if r.metrics != nil {
		r.metrics.OperationErrors.WithLabelValues(op).Inc()
	}
	r.offer(Sample{Op: op, OK: false, Err: detail, Metadata: metadata})
}

// offer hands a sample to the drain goroutine without ever blocking. If the
// sink is saturated the sample is dropped; observability loss is preferable
// to stalling the voice pipeline.
func (r *Recorder) offer(s Sample) {
	if r.onSample != nil {
		r.onSample(s)
	}
	select {
	case r.sink <- s:
	default:
	}
}

func (r *Recorder) drain() {
	for s := range r.sink {
		switch {
		case s.Err != "":
			r.logf("timing: op=%s ok=false err=%q meta=%v", s.Op, s.Err, s.Metadata)
		case s.Slow:
			r.logf("timing: SLOW op=%s duration_ms=%d ok=%t meta=%v", s.Op, s.Duration.Milliseconds(), s.OK, s.Metadata)
		default:
			r.logf("timing: op=%s duration_ms=%d ok=%t meta=%v", s.Op, s.Duration.Milliseconds(), s.OK, s.Metadata)
		}
	}
}

func swallowPanic(where string) {
	if rec := recover(); rec != nil {
		log.Printf("timing: recovered panic in %s: %v", where, rec)
	}
}

// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	DevicePolls      *prometheus.CounterVec // result=pending|authorized|denied|expired|error
	TokenRefreshes   *prometheus.CounterVec // result=success|failure
	RefreshDeferrals prometheus.Counter
	TierResolutions  *prometheus.CounterVec // tier=standard|affiliate_or_partner|unknown
	PredictionOps    *prometheus.CounterVec // op=create|resolve|cancel, result=success|rejected|precondition

	// Histograms (seconds)
	TwitchRequestDuration *prometheus.HistogramVec // endpoint

	// Gauges
	AuthorizedGauge       prometheus.Gauge
	PredictionActiveGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DevicePolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autopoll_device_polls_total", Help: "Device-flow token polls by result"}, []string{"result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autopoll_token_refreshes_total", Help: "Refresh-token exchanges by result"}, []string{"result"})
		RefreshDeferrals = promauto.NewCounter(prometheus.CounterOpts{Name: "autopoll_token_refresh_deferrals_total", Help: "Refreshes postponed because a prediction was in flight"})
		TierResolutions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autopoll_tier_resolutions_total", Help: "Broadcaster tier lookups by resolved tier"}, []string{"tier"})
		PredictionOps = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autopoll_prediction_operations_total", Help: "Prediction operations by op and result"}, []string{"op", "result"})
		TwitchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "autopoll_twitch_request_duration_seconds", Help: "Twitch API request duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}}, []string{"endpoint"})
		AuthorizedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autopoll_authorized", Help: "Broadcaster authorized for predictions=1 otherwise 0"})
		PredictionActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autopoll_prediction_active", Help: "A prediction is live=1 otherwise 0"})
	})
}

// IncDevicePoll records a device-flow poll outcome.
func IncDevicePoll(result string) {
	if DevicePolls != nil {
		DevicePolls.WithLabelValues(result).Inc()
	}
}

// IncTokenRefresh records a refresh attempt outcome.
func IncTokenRefresh(result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result).Inc()
	}
}

// IncRefreshDeferral counts a refresh skipped because a prediction was busy.
func IncRefreshDeferral() {
	if RefreshDeferrals != nil {
		RefreshDeferrals.Inc()
	}
}

// IncTierResolution records a resolved broadcaster tier.
func IncTierResolution(tier string) {
	if TierResolutions != nil {
		TierResolutions.WithLabelValues(tier).Inc()
	}
}

// IncPredictionOp records a prediction operation outcome.
func IncPredictionOp(op, result string) {
	if PredictionOps != nil {
		PredictionOps.WithLabelValues(op, result).Inc()
	}
}

// SetAuthorized sets the authorized gauge.
func SetAuthorized(ok bool) { setBool(AuthorizedGauge, ok) }

// SetPredictionActive sets the prediction-active gauge.
func SetPredictionActive(ok bool) { setBool(PredictionActiveGauge, ok) }

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// ObserveTwitchRequest records how long a Twitch endpoint call took.
func ObserveTwitchRequest(endpoint string, d time.Duration) {
	if TwitchRequestDuration != nil {
		TwitchRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// EnsureCorrelation returns ctx unchanged if it already carries an id, otherwise
// attaches a fresh one.
func EnsureCorrelation(ctx context.Context) context.Context {
	if GetCorrelation(ctx) != "" {
		return ctx
	}
	return WithCorrelation(ctx, uuid.NewString())
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

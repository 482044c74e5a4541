package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/chatgate"
)

// Attribute keys shared by the instruments below.
var (
	AttrDecision = attribute.Key("decision")
	AttrRoute    = attribute.Key("route")
	AttrOutcome  = attribute.Key("outcome")
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Gatekeeper metrics
	GatekeeperDecisionsTotal metric.Int64Counter
	GuestsProvisionedTotal   metric.Int64Counter
	InvalidSessionsTotal     metric.Int64Counter

	// Usage metrics
	QuotaDeniedTotal metric.Int64Counter

	// Key provisioning metrics
	KeysMintedTotal       metric.Int64Counter
	KeyMintErrorsTotal    metric.Int64Counter
	KeysRevokedTotal      metric.Int64Counter
	KeyMintRacesLostTotal metric.Int64Counter

	// Stream metrics
	ActiveStreams           metric.Int64UpDownCounter
	StreamsTotal            metric.Int64Counter
	StreamBytesTotal        metric.Int64Counter
	StreamDuration          metric.Float64Histogram
	UpstreamConnectDuration metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments. Instruments are created
// against the global meter provider, which is a no-op until InitTelemetry runs.
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.GatekeeperDecisionsTotal, _ = meter.Int64Counter(
		"chatgate.gatekeeper.decisions.total",
		metric.WithDescription("Total number of gatekeeper decisions by outcome and route class"),
		metric.WithUnit("{decision}"),
	)

	m.GuestsProvisionedTotal, _ = meter.Int64Counter(
		"chatgate.gatekeeper.guests_provisioned.total",
		metric.WithDescription("Total number of guest identities provisioned"),
		metric.WithUnit("{identity}"),
	)

	m.InvalidSessionsTotal, _ = meter.Int64Counter(
		"chatgate.gatekeeper.invalid_sessions.total",
		metric.WithDescription("Total number of session cookies rejected as invalid or expired"),
		metric.WithUnit("{session}"),
	)

	m.QuotaDeniedTotal, _ = meter.Int64Counter(
		"chatgate.usage.denied.total",
		metric.WithDescription("Total number of guest requests denied by the usage quota"),
		metric.WithUnit("{request}"),
	)

	m.KeysMintedTotal, _ = meter.Int64Counter(
		"chatgate.keys.minted.total",
		metric.WithDescription("Total number of downstream keys minted"),
		metric.WithUnit("{key}"),
	)

	m.KeyMintErrorsTotal, _ = meter.Int64Counter(
		"chatgate.keys.mint_errors.total",
		metric.WithDescription("Total number of failed downstream key mints"),
		metric.WithUnit("{error}"),
	)

	m.KeysRevokedTotal, _ = meter.Int64Counter(
		"chatgate.keys.revoked.total",
		metric.WithDescription("Total number of downstream keys revoked"),
		metric.WithUnit("{key}"),
	)

	m.KeyMintRacesLostTotal, _ = meter.Int64Counter(
		"chatgate.keys.races_lost.total",
		metric.WithDescription("Total number of minted keys discarded because another writer stored a key first"),
		metric.WithUnit("{key}"),
	)

	m.ActiveStreams, _ = meter.Int64UpDownCounter(
		"chatgate.streams.active",
		metric.WithDescription("Number of completion streams being relayed"),
		metric.WithUnit("{stream}"),
	)

	m.StreamsTotal, _ = meter.Int64Counter(
		"chatgate.streams.total",
		metric.WithDescription("Total number of completion streams by final state"),
		metric.WithUnit("{stream}"),
	)

	m.StreamBytesTotal, _ = meter.Int64Counter(
		"chatgate.streams.bytes.total",
		metric.WithDescription("Total number of bytes relayed to clients"),
		metric.WithUnit("By"),
	)

	m.StreamDuration, _ = meter.Float64Histogram(
		"chatgate.streams.duration",
		metric.WithDescription("Duration of completion streams"),
		metric.WithUnit("ms"),
	)

	m.UpstreamConnectDuration, _ = meter.Float64Histogram(
		"chatgate.streams.upstream_connect.duration",
		metric.WithDescription("Time until the inference backend returned response headers"),
		metric.WithUnit("ms"),
	)

	return m
}

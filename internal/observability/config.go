package observability

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/genquota/internal/config"
)

// Config is the observability view of the service configuration. Besides
// exporter settings it carries the quota pipeline's deployment shape, which
// is stamped on every log line and on the tracer resource.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	RateLimitBackend   string
	ConcurrencyLock    bool
	GeneratorHost      string
	RecorderTimeout    time.Duration
	MaintenanceEnabled bool
}

// LoadConfig derives observability settings from the service config. The
// standard OTEL_* variables still win over the service's own endpoint.
func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: firstNonEmpty(cfg.AppName, "genquota"),
		Environment: strings.TrimSpace(firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment)),
		Version:     strings.TrimSpace(firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion)),

		LogLevel:  strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")),
		LogFormat: strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), "json")),

		OtelEnabled:          parseBool(os.Getenv("OTEL_ENABLED"), true),
		OtelExporterEndpoint: firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(firstNonEmpty(
			os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"),
			os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
			"grpc",
		)),
		OtelSamplingRatio: parseRatio(os.Getenv("OTEL_SAMPLING_RATIO"), 0.1),

		RateLimitBackend:   firstNonEmpty(cfg.RateLimit.Backend, config.BackendLedger),
		ConcurrencyLock:    cfg.RateLimit.ConcurrencyLockEnabled && cfg.RateLimit.RedisAddr != "",
		GeneratorHost:      generatorHost(cfg.Generator.URL),
		RecorderTimeout:    time.Duration(cfg.Recorder.TimeoutMillis) * time.Millisecond,
		MaintenanceEnabled: cfg.Maintenance.Enabled,
	}
	return out
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Fields are the static deployment attributes shared by logs and traces.
func (c Config) Fields() map[string]string {
	fields := map[string]string{
		"genquota.rate_limit.backend":     c.RateLimitBackend,
		"genquota.rate_limit.concurrency": strconv.FormatBool(c.ConcurrencyLock),
		"genquota.maintenance":            strconv.FormatBool(c.MaintenanceEnabled),
	}
	if c.GeneratorHost != "" {
		fields["genquota.generator.host"] = c.GeneratorHost
	}
	if c.RecorderTimeout > 0 {
		fields["genquota.recorder.timeout"] = c.RecorderTimeout.String()
	}
	return fields
}

// generatorHost keeps credentials and paths out of telemetry.
func generatorHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func parseRatio(raw string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}

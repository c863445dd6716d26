package config

import (
	"os"
	"strings"
)

const (
	defaultSourceConfigPath = "config/pdp-source.yaml"
	defaultHTTPAddr         = ":8090"
	defaultGRPCAddr         = ":50090"
	defaultMetricsNamespace = "cordum_pdp"
	defaultLocalPdpID       = "default"
	envSourceConfigPath     = "PDP_SOURCE_CONFIG_PATH"
	envHTTPAddr             = "PDP_HTTP_ADDR"
	envGRPCAddr             = "PDP_GRPC_ADDR"
	envRedisURL             = "REDIS_URL"
	envNATSURL              = "NATS_URL"
	envMetricsNamespace     = "PDP_METRICS_NAMESPACE"
	envLocalConfigDir       = "PDP_CONFIG_DIR"
	envLocalPdpID           = "PDP_LOCAL_PDP_ID"
	envAPIKeys              = "PDP_API_KEYS"
)

// Config holds runtime configuration for the PDP daemon. An empty RedisURL or
// NatsURL disables that integration; a non-empty LocalConfigDir replaces the
// remote bundle source with a directory-backed configuration. A non-empty
// APIKeys requires one of the keys on every /api/ request.
type Config struct {
	SourceConfigPath string
	HTTPAddr         string
	GRPCAddr         string
	RedisURL         string
	NatsURL          string
	MetricsNamespace string
	LocalConfigDir   string
	LocalPdpID       string
	APIKeys          []string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	sourcePath := os.Getenv(envSourceConfigPath)
	if sourcePath == "" {
		sourcePath = defaultSourceConfigPath
	}
	httpAddr := os.Getenv(envHTTPAddr)
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}
	grpcAddr := os.Getenv(envGRPCAddr)
	if grpcAddr == "" {
		grpcAddr = defaultGRPCAddr
	}
	namespace := os.Getenv(envMetricsNamespace)
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}
	localPdpID := os.Getenv(envLocalPdpID)
	if localPdpID == "" {
		localPdpID = defaultLocalPdpID
	}

	return &Config{
		SourceConfigPath: sourcePath,
		HTTPAddr:         httpAddr,
		GRPCAddr:         grpcAddr,
		RedisURL:         os.Getenv(envRedisURL),
		NatsURL:          os.Getenv(envNATSURL),
		MetricsNamespace: namespace,
		LocalConfigDir:   os.Getenv(envLocalConfigDir),
		LocalPdpID:       localPdpID,
		APIKeys:          splitList(os.Getenv(envAPIKeys)),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Package config loads the gateway's configuration from the
// environment (with optional .env support), in the shape the teacher
// repo's cmd/server/main.go reads its configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration tree.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	CORS    CORSConfig
	Metrics MetricsConfig
	DIMSE   DIMSEConfig
	MHD     MHDConfig
	Cache   CacheConfig
	AE      AEConfig
}

// ServerConfig configures the management HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string
	Format string
}

// CORSConfig configures the management HTTP API's CORS policy.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool
}

// DIMSEConfig configures the inbound SCP engine.
type DIMSEConfig struct {
	AETitle            string
	Port               int
	AutoStart          bool
	MaxPDULength       uint32
	ConnectionTimeout  time.Duration
	AssociationTimeout time.Duration
	MaxAssociations    int
	MaxParallelDownloads int
	MaxParallelStores    int
}

// MHDConfig configures the outbound MHD/WADO-RS endpoints.
type MHDConfig struct {
	FHIRBaseURL    string
	WADORSBaseURL  string
	MetadataTTL    time.Duration
}

// CacheConfig configures the instance cache.
type CacheConfig struct {
	Enabled    bool
	MaxSizeMB  int
	TTLMinutes int
}

// AEConfig configures the AE directory's fallback destination, used when
// a MoveDestination AE title has no explicit directory entry.
type AEConfig struct {
	FallbackHost string
	FallbackPort int
}

// Load builds a Config from the process environment, first loading a
// local .env file if one is present (its absence is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "Authorization"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		DIMSE: DIMSEConfig{
			AETitle:              getEnv("DIMSE_AE_TITLE", "MADOSCP"),
			Port:                 getEnvInt("DIMSE_PORT", 11112),
			AutoStart:            getEnvBool("DIMSE_AUTO_START", true),
			MaxPDULength:         uint32(getEnvInt("DIMSE_MAX_PDU_LENGTH", 16384)),
			ConnectionTimeout:    getEnvDuration("DIMSE_CONNECTION_TIMEOUT_MS", 10*time.Second),
			AssociationTimeout:   getEnvDuration("DIMSE_ASSOCIATION_TIMEOUT_MS", 30*time.Second),
			MaxAssociations:      getEnvInt("DIMSE_MAX_ASSOCIATIONS", 16),
			MaxParallelDownloads: getEnvInt("DIMSE_MAX_PARALLEL_DOWNLOADS", 4),
			MaxParallelStores:    getEnvInt("DIMSE_MAX_PARALLEL_STORES", 4),
		},
		MHD: MHDConfig{
			FHIRBaseURL:   getEnv("MHD_FHIR_BASE_URL", ""),
			WADORSBaseURL: getEnv("WADO_RS_BASE_URL", ""),
			MetadataTTL:   getEnvMinutes("METADATA_TTL_MINUTES", 5*time.Minute),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			MaxSizeMB:  getEnvInt("CACHE_MAX_SIZE_MB", 512),
			TTLMinutes: getEnvInt("CACHE_TTL_MINUTES", 10),
		},
		AE: AEConfig{
			FallbackHost: getEnv("AE_FALLBACK_HOST", ""),
			FallbackPort: getEnvInt("AE_FALLBACK_PORT", 0),
		},
	}

	return cfg, nil
}

// Validate checks the required fields needed to serve traffic.
func (c *Config) Validate() error {
	if c.DIMSE.AETitle == "" {
		return fmt.Errorf("config: DIMSE_AE_TITLE is required")
	}
	if c.DIMSE.Port <= 0 || c.DIMSE.Port > 65535 {
		return fmt.Errorf("config: DIMSE_PORT %d out of range", c.DIMSE.Port)
	}
	if c.MHD.FHIRBaseURL == "" {
		return fmt.Errorf("config: MHD_FHIR_BASE_URL is required")
	}
	if c.MHD.WADORSBaseURL == "" {
		return fmt.Errorf("config: WADO_RS_BASE_URL is required")
	}
	if c.DIMSE.MaxParallelDownloads <= 0 || c.DIMSE.MaxParallelStores <= 0 {
		return fmt.Errorf("config: max-parallel-downloads and max-parallel-stores must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvMinutes(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Minute
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

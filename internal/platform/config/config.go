package config

import (
	"os"
	"strings"
	"time"
)

// Server captures service level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	DatabaseURL   string
	RedisURL      string
	KafkaBrokers  []string
	AuditTopic    string
	StoreTimeout  time.Duration
}

// FromEnv builds a Server config from environment variables so main stays
// lean. Empty DatabaseURL/RedisURL/KafkaBrokers mean the corresponding
// backend is not configured and main falls back to in-process substitutes.
func FromEnv() Server {
	addr := os.Getenv("REGISTRY_ADDR")
	if addr == "" {
		addr = ":8444"
	}

	jwtSigningKey := os.Getenv("REGISTRY_JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default - must be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	issuer := os.Getenv("REGISTRY_JWT_ISSUER")
	if issuer == "" {
		issuer = "etpelican-registry"
	}

	auditTopic := os.Getenv("REGISTRY_AUDIT_TOPIC")
	if auditTopic == "" {
		auditTopic = "registry.audit"
	}

	storeTimeout := 5 * time.Second
	if raw := os.Getenv("REGISTRY_STORE_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			storeTimeout = d
		}
	}

	var brokers []string
	if raw := os.Getenv("REGISTRY_KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}

	return Server{
		Addr:          addr,
		JWTSigningKey: jwtSigningKey,
		JWTIssuer:     issuer,
		DatabaseURL:   os.Getenv("REGISTRY_DATABASE_URL"),
		RedisURL:      os.Getenv("REGISTRY_REDIS_URL"),
		KafkaBrokers:  brokers,
		AuditTopic:    auditTopic,
		StoreTimeout:  storeTimeout,
	}
}

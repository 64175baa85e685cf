// Package hardening refuses to start a production-like process with an
// unsafe configuration.
package hardening

import (
	"fmt"
	"strings"

	"darkroom/pkg/config"
)

// MinSecretLength applies to every required secret.
const MinSecretLength = 16

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    bool
	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
	CORSAllowedOrigins    string
	PaymentProvider       string
	RequiredSecrets       []EnvRequirement
}

// FromConfig maps process configuration onto Options. Secrets every service
// needs are added here; callers append their own.
func FromConfig(service string, c config.Config, extra ...EnvRequirement) Options {
	return Options{
		Service:               service,
		Environment:           c.Environment,
		StrictProdSecurity:    c.StrictProdSecurity,
		DatabaseRequireTLS:    c.Postgres.RequireTLS,
		RedisAddr:             c.Redis.Addr,
		RedisRequireTLS:       c.Redis.RequireTLS,
		RedisTLSInsecure:      c.Redis.TLS.Insecure,
		RedisAllowInsecureTLS: c.Redis.TLS.AllowInsecure,
		CORSAllowedOrigins:    c.CORSAllowed,
		PaymentProvider:       c.PaymentProvider,
		RequiredSecrets: append([]EnvRequirement{
			{Name: "PAYMENT_WEBHOOK_SECRET", Value: c.PaymentWebhookSecret},
			{Name: "AUDIT_HASH_SALT", Value: c.AuditHashSalt},
		}, extra...),
	}
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if strings.EqualFold(strings.TrimSpace(o.PaymentProvider), "sandbox") {
		return fmt.Errorf("%s: strict production hardening forbids PAYMENT_PROVIDER=sandbox", service)
	}
	if o.CORSAllowedOrigins != "" {
		if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
			return err
		}
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		v := strings.TrimSpace(req.Value)
		if v == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
		if len(v) < MinSecretLength {
			return fmt.Errorf("%s: %s must be at least %d characters", service, req.Name, MinSecretLength)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

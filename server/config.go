package server

import "time"

// Config holds the runtime settings a Server needs beyond its storage and
// component dependencies. Most fields mirror spec §6 "Configuration" and
// the Settings rows of spec §3; cmd/darkauth loads these from the config
// file/environment and the settings table and passes the merged result in.
type Config struct {
	Issuer       string
	PublicOrigin string

	AccessTokenLifetime time.Duration
	IDTokenLifetime     time.Duration
	AuthCodeLifetime    time.Duration
	PendingAuthLifetime time.Duration

	PKCERequiredByDefault   bool
	SelfRegistrationEnabled bool

	SessionInactivity time.Duration
	SessionAbsolute   time.Duration
	// Secure controls the cookie Secure attribute. False only in local
	// development (spec §6 "isDevelopment").
	Secure bool

	OpaqueSessionTTL time.Duration

	RateLimitWindow    time.Duration
	RateLimitOpaqueMax int64
	RateLimitTokenMax  int64
}

// DefaultConfig returns the documented defaults (§4.D "Lifecycle",
// §4.C "TTL", §3 "Authorization code" / "Pending authorization").
func DefaultConfig() Config {
	return Config{
		AccessTokenLifetime:     15 * time.Minute,
		IDTokenLifetime:         15 * time.Minute,
		AuthCodeLifetime:        60 * time.Second,
		PendingAuthLifetime:     5 * time.Minute,
		PKCERequiredByDefault:   false,
		SelfRegistrationEnabled: false,
		SessionInactivity:       30 * time.Minute,
		SessionAbsolute:         12 * time.Hour,
		Secure:                  true,
		OpaqueSessionTTL:        2 * time.Minute,
		RateLimitWindow:         time.Minute,
		RateLimitOpaqueMax:      30,
		RateLimitTokenMax:       60,
	}
}

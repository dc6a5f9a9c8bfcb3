package config

import "time"

// Default configuration values.
const (
	DefaultListen              = "[::]:547"
	DefaultDUIDType            = "llt"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultLeaseDB             = "/var/lib/athena-dhcp6d/bindings.db"
	DefaultLeaseBackend        = "bolt"
	DefaultPIDFile             = "/run/athena-dhcp6d.pid"
	DefaultWorkers             = 100
	DefaultEventBufferSize     = 10000
	DefaultScriptConcurrency   = 4
	DefaultScriptTimeout       = 10 * time.Second
	DefaultWebhookTimeout      = 10 * time.Second
	DefaultWebhookRetries      = 3
	DefaultWebhookRetryBackoff = 2 * time.Second
	DefaultRateLimitSolicits   = 100
	DefaultRateLimitPerDUID    = 5
	DefaultRadiusTimeout       = 5 * time.Second
	DefaultRadiusCacheTTL      = 30 * time.Second
	DefaultDDNSTTL             = 300
	DefaultDDNSTimeout         = 5 * time.Second
	DefaultAuditDB             = "/var/lib/athena-dhcp6d/audit.db"
	DefaultAuditRetention      = 90 * 24 * time.Hour
	DefaultTSIGAlgorithm       = "hmac-sha256."
	DefaultShutdownGracePeriod = 5 * time.Second
	DefaultSyslogFormat        = "rfc5424"
	DefaultAnomalyWindow       = time.Minute
	DefaultAnomalyAlpha        = 0.1
	DefaultAnomalyThreshold    = 3.0
	DefaultAnomalySilent       = 10
)

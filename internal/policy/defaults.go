package policy

import "time"

// Policy keys.
const (
	PreferredLifetime        = "preferred_lifetime"
	ValidLifetime            = "valid_lifetime"
	IANAT1                   = "ia_na_t1"
	IANAT2                   = "ia_na_t2"
	IATAT1                   = "ia_ta_t1"
	IATAT2                   = "ia_ta_t2"
	IAPDT1                   = "ia_pd_t1"
	IAPDT2                   = "ia_pd_t2"
	DeleteOldBindings        = "delete_old_bindings"
	SupportRapidCommit       = "support_rapid_commit"
	SendRequestedOptionsOnly = "send_requested_options_only"
	VerifyUnknownRebind      = "verify_unknown_rebind"
	ReaperStartupDelay       = "reaper_startup_delay"
	ReaperRunPeriod          = "reaper_run_period"
)

var defaults = map[string]any{
	PreferredLifetime:        time.Hour,
	ValidLifetime:            time.Hour,
	IANAT1:                   0.5,
	IANAT2:                   0.8,
	IATAT1:                   0.5,
	IATAT2:                   0.8,
	IAPDT1:                   0.5,
	IAPDT2:                   0.8,
	DeleteOldBindings:        false,
	SupportRapidCommit:       false,
	SendRequestedOptionsOnly: false,
	VerifyUnknownRebind:      false,
	ReaperStartupDelay:       10 * time.Second,
	ReaperRunPeriod:          60 * time.Second,
}

// Default returns the compiled-in default for key.
func Default(key string) (any, bool) {
	v, ok := defaults[key]
	return v, ok
}

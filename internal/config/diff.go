package config

// Diff describes what changed between two configs. Only fields that are safe
// to apply to a running gateway are tracked; everything else needs a restart
// (the SIP registration, media geometry, and backend wiring are fixed for the
// life of the process).
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AllowInboundChanged bool
	NewAllowInbound     bool
}

// Empty reports whether the diff carries no applicable change.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.AllowInboundChanged
}

// Compare returns the runtime-applicable differences between old and new.
func Compare(old, new *Config) Diff {
	var d Diff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.AllowInboundCalls != new.AllowInboundCalls {
		d.AllowInboundChanged = true
		d.NewAllowInbound = new.AllowInboundCalls
	}
	return d
}

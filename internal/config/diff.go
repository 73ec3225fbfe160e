package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// server changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DialerRateChanged reports a new dials-per-minute limit. The dialer
	// picks it up on its next loop iteration.
	DialerRateChanged bool
	NewDialerRate     int

	// AgentChanged reports that the fallback agent record changed. Live
	// calls keep their call-local view; new calls see the new record.
	AgentChanged bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DialerRateChanged || d.AgentChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Dialer.RateLimitPerMin != new.Dialer.RateLimitPerMin {
		d.DialerRateChanged = true
		d.NewDialerRate = new.Dialer.RateLimitPerMin
	}

	if agentRecordChanged(&old.Agent, &new.Agent) {
		d.AgentChanged = true
	}

	return d
}

func agentRecordChanged(old, new *AgentRecord) bool {
	if !agentConfigEqual(&old.AgentConfig, &new.AgentConfig) {
		return true
	}
	for _, pair := range [][2]*CarrierOverride{
		{old.Browser, new.Browser},
		{old.Phone, new.Phone},
		{old.Telnyx, new.Telnyx},
	} {
		if (pair[0] == nil) != (pair[1] == nil) {
			return true
		}
		if pair[0] != nil && !overrideEqual(pair[0], pair[1]) {
			return true
		}
	}
	return false
}

func agentConfigEqual(a, b *AgentConfig) bool {
	if a.Name != b.Name ||
		a.SystemPrompt != b.SystemPrompt ||
		a.Greeting != b.Greeting ||
		a.IdleMessage != b.IdleMessage ||
		a.Language != b.Language ||
		a.Voice != b.Voice ||
		a.Temperature != b.Temperature ||
		a.MaxTokens != b.MaxTokens ||
		a.ContextWindow != b.ContextWindow ||
		a.Pacing != b.Pacing ||
		a.VoicePacingMs != b.VoicePacingMs ||
		a.SilenceTimeoutMs != b.SilenceTimeoutMs ||
		a.InitialSilenceTimeoutMs != b.InitialSilenceTimeoutMs ||
		a.MinChars != b.MinChars ||
		a.InterruptionThreshold != b.InterruptionThreshold ||
		a.IdleTimeoutSec != b.IdleTimeoutSec ||
		a.MaxDurationSec != b.MaxDurationSec ||
		a.InactivityMaxRetries != b.InactivityMaxRetries ||
		a.BackgroundAudio != b.BackgroundAudio ||
		a.DynamicVarsEnabled != b.DynamicVarsEnabled {
		return false
	}
	if !stringsEqual(a.Blacklist, b.Blacklist) || !stringsEqual(a.StopWords, b.StopWords) || !stringsEqual(a.Tools, b.Tools) {
		return false
	}
	if len(a.DynamicVars) != len(b.DynamicVars) {
		return false
	}
	for k, v := range a.DynamicVars {
		if b.DynamicVars[k] != v {
			return false
		}
	}
	return true
}

func overrideEqual(a, b *CarrierOverride) bool {
	eqS := func(x, y *string) bool { return (x == nil) == (y == nil) && (x == nil || *x == *y) }
	eqI := func(x, y *int) bool { return (x == nil) == (y == nil) && (x == nil || *x == *y) }
	eqF := func(x, y *float64) bool { return (x == nil) == (y == nil) && (x == nil || *x == *y) }
	eqB := func(x, y *bool) bool { return (x == nil) == (y == nil) && (x == nil || *x == *y) }

	if !eqS(a.SystemPrompt, b.SystemPrompt) || !eqS(a.Greeting, b.Greeting) ||
		!eqS(a.IdleMessage, b.IdleMessage) || !eqS(a.Language, b.Language) ||
		!eqS(a.BackgroundAudio, b.BackgroundAudio) {
		return false
	}
	if (a.Voice == nil) != (b.Voice == nil) || (a.Voice != nil && *a.Voice != *b.Voice) {
		return false
	}
	if (a.Pacing == nil) != (b.Pacing == nil) || (a.Pacing != nil && *a.Pacing != *b.Pacing) {
		return false
	}
	if !eqF(a.Temperature, b.Temperature) {
		return false
	}
	if !eqI(a.MaxTokens, b.MaxTokens) || !eqI(a.ContextWindow, b.ContextWindow) ||
		!eqI(a.VoicePacingMs, b.VoicePacingMs) || !eqI(a.SilenceTimeoutMs, b.SilenceTimeoutMs) ||
		!eqI(a.InitialSilenceTimeoutMs, b.InitialSilenceTimeoutMs) ||
		!eqI(a.MinChars, b.MinChars) || !eqI(a.InterruptionThreshold, b.InterruptionThreshold) ||
		!eqI(a.IdleTimeoutSec, b.IdleTimeoutSec) || !eqI(a.MaxDurationSec, b.MaxDurationSec) ||
		!eqI(a.InactivityMaxRetries, b.InactivityMaxRetries) {
		return false
	}
	if !eqB(a.DynamicVarsEnabled, b.DynamicVarsEnabled) {
		return false
	}
	if !stringsEqual(a.Blacklist, b.Blacklist) || !stringsEqual(a.StopWords, b.StopWords) || !stringsEqual(a.Tools, b.Tools) {
		return false
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

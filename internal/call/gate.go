package call

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// FilterReason explains why the recognition gate accepted or dropped a final
// STT recognition.
type FilterReason string

const (
	// ReasonAccepted means the recognition passed every filter.
	ReasonAccepted FilterReason = "OK"

	// ReasonLearning means the noise profile has too few samples to judge;
	// the recognition is accepted.
	ReasonLearning FilterReason = "LEARNING"

	// ReasonImpactNoise means the turn was loud but too short to be speech
	// (door slam, cough, handset bump).
	ReasonImpactNoise FilterReason = "IMPACT_NOISE"

	// ReasonTooQuiet means the turn was well below the ambient level;
	// likely an STT hallucination on background noise.
	ReasonTooQuiet FilterReason = "TOO_QUIET"

	// ReasonBlacklisted means the text matched a known hallucination phrase.
	ReasonBlacklisted FilterReason = "BLACKLISTED"

	// ReasonEcho means the bot was speaking and the recognition looks like
	// the bot hearing itself rather than a real barge-in.
	ReasonEcho FilterReason = "ECHO"
)

// Noise-model tuning. The profile warms up on an arithmetic mean and switches
// to a slow EWMA once enough of the call has been heard.
const (
	minProfileSamples  = 5
	longTermSamples    = 50
	ewmaAlpha          = 0.01
	impactNoiseRatio   = 0.8
	tooQuietRatio      = 0.4
	blacklistFuzzScore = 0.92
)

// NoiseProfile is a per-call, self-calibrating model of the line's speech
// level. Safe for concurrent use.
type NoiseProfile struct {
	mu      sync.Mutex
	samples uint64
	avgRMS  float64
	minRMS  float64
	maxRMS  float64
}

// Update folds one turn-level RMS measurement into the model.
func (p *NoiseProfile) Update(rms float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples++
	switch {
	case p.samples == 1:
		p.avgRMS = rms
		p.minRMS = rms
		p.maxRMS = rms
		return
	case p.samples <= longTermSamples:
		p.avgRMS += (rms - p.avgRMS) / float64(p.samples)
	default:
		p.avgRMS = ewmaAlpha*rms + (1-ewmaAlpha)*p.avgRMS
	}
	if rms < p.minRMS {
		p.minRMS = rms
	}
	if rms > p.maxRMS {
		p.maxRMS = rms
	}
}

// Ready reports whether enough samples were seen to filter against the model.
func (p *NoiseProfile) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples >= minProfileSamples
}

// Stats returns (samples, avg, min, max) for diagnostics.
func (p *NoiseProfile) Stats() (uint64, float64, float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples, p.avgRMS, p.minRMS, p.maxRMS
}

func (p *NoiseProfile) average() (float64, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgRMS, p.samples
}

// GateConfig carries the per-call knobs of the recognition gate.
type GateConfig struct {
	// Blacklist lists known STT hallucination phrases, matched
	// case-insensitively; near-misses are caught phonetically.
	Blacklist []string

	// StopWords force a barge-in even for recognitions shorter than
	// InterruptionThreshold ("espera", "stop", ...).
	StopWords []string

	// MinChars is the minimum text length for the impact-noise check.
	MinChars int

	// InterruptionThreshold is the minimum recognition length (in runes)
	// for a recognition heard during bot speech to count as a barge-in.
	InterruptionThreshold int
}

// Gate filters final STT recognitions before they reach the pipeline. It
// combines the hallucination blacklist, the self-calibrating noise profile,
// and echo suppression while the bot is speaking.
//
// Safe for concurrent use.
type Gate struct {
	profile   NoiseProfile
	blacklist []string
	stopWords []string
	minChars  int
	threshold int
	logger    *slog.Logger
}

// NewGate builds a Gate from cfg. A nil logger falls back to slog.Default().
func NewGate(cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	bl := make([]string, 0, len(cfg.Blacklist))
	for _, b := range cfg.Blacklist {
		if s := strings.TrimSpace(b); s != "" {
			bl = append(bl, strings.ToLower(s))
		}
	}
	sw := make([]string, 0, len(cfg.StopWords))
	for _, w := range cfg.StopWords {
		if s := strings.TrimSpace(w); s != "" {
			sw = append(sw, strings.ToLower(s))
		}
	}
	return &Gate{
		blacklist: bl,
		stopWords: sw,
		minChars:  cfg.MinChars,
		threshold: cfg.InterruptionThreshold,
		logger:    logger,
	}
}

// ObserveRMS feeds one turn-level RMS measurement into the noise profile.
func (g *Gate) ObserveRMS(rms float64) {
	g.profile.Update(rms)
}

// Profile exposes the underlying noise model for diagnostics.
func (g *Gate) Profile() *NoiseProfile {
	return &g.profile
}

// Evaluate decides whether a final recognition should be dropped.
// botSpeaking reflects the FSM at the moment the recognition arrived.
func (g *Gate) Evaluate(text string, turnRMS float64, botSpeaking bool) (bool, FilterReason) {
	trimmed := strings.TrimSpace(text)

	if g.isBlacklisted(trimmed) {
		return true, ReasonBlacklisted
	}

	if botSpeaking && !g.isStopWord(trimmed) && len([]rune(trimmed)) < g.threshold {
		// Short fragment while we're speaking: almost always line echo.
		return true, ReasonEcho
	}

	avg, samples := g.profile.average()
	if samples < minProfileSamples {
		return false, ReasonLearning
	}

	if len([]rune(trimmed)) < g.minChars && turnRMS > impactNoiseRatio*avg {
		return true, ReasonImpactNoise
	}
	if turnRMS < tooQuietRatio*avg {
		return true, ReasonTooQuiet
	}
	return false, ReasonAccepted
}

// isBlacklisted checks the hallucination list: exact case-insensitive match
// first, then a Jaro-Winkler near-miss to catch punctuation and accent
// variants the STT produces for the same hallucination.
func (g *Gate) isBlacklisted(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, b := range g.blacklist {
		if lower == b {
			return true
		}
		if matchr.JaroWinkler(lower, b, false) >= blacklistFuzzScore {
			return true
		}
	}
	return false
}

// isStopWord reports whether the recognition contains a configured stop word.
func (g *Gate) isStopWord(text string) bool {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	})
	for _, f := range fields {
		for _, w := range g.stopWords {
			if f == w {
				return true
			}
		}
	}
	return false
}

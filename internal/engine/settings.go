package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
)

const (
	DEFAULT_BETTING_WINDOW_MS  = 4000
	DEFAULT_FLIGHT_DURATION_MS = 8000
	DEFAULT_RESET_DELAY_MS     = 1500
	DEFAULT_HISTORY_SIZE       = 30
	DEFAULT_MIN_CRASH          = 1.00
	DEFAULT_MAX_CRASH          = 100.0
	DEFAULT_RTP                = 0.97
	DEFAULT_MIN_BET            = 0.5
	DEFAULT_MAX_BET            = 500.0
)

// Settings is the versioned engine tuning record. It is persisted as a
// key/value blob alongside the state row, so every field must survive a
// round-trip through loosely typed storage. ServerSeed and ServerHash ride
// along with the tuning fields; they are validated on load and dropped when
// malformed rather than trusted.
type Settings struct {
	BettingWindowMs    int64   `json:"bettingWindowMs"`
	FlightDurationMs   int64   `json:"flightDurationMs"`
	ResetDelayMs       int64   `json:"resetDelayMs"`
	HistorySize        int     `json:"historySize"`
	MinCrashMultiplier float64 `json:"minCrashMultiplier"`
	MaxCrashMultiplier float64 `json:"maxCrashMultiplier"`
	RTP                float64 `json:"rtp"`
	MinBet             float64 `json:"minBet"`
	MaxBet             float64 `json:"maxBet"`
	ForcedResult       float64 `json:"forcedResult,omitempty"`
	Paused             bool    `json:"paused,omitempty"`
	ServerSeed         string  `json:"serverSeed,omitempty"`
	ServerHash         string  `json:"serverHash,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		BettingWindowMs:    DEFAULT_BETTING_WINDOW_MS,
		FlightDurationMs:   DEFAULT_FLIGHT_DURATION_MS,
		ResetDelayMs:       DEFAULT_RESET_DELAY_MS,
		HistorySize:        DEFAULT_HISTORY_SIZE,
		MinCrashMultiplier: DEFAULT_MIN_CRASH,
		MaxCrashMultiplier: DEFAULT_MAX_CRASH,
		RTP:                DEFAULT_RTP,
		MinBet:             DEFAULT_MIN_BET,
		MaxBet:             DEFAULT_MAX_BET,
	}
}

var hexSeedPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// SettingsFromMap coerces a loosely typed settings blob over the given
// fallback. Numeric fields may arrive as JSON numbers or string-encoded
// numbers; anything unparseable keeps the fallback value instead of failing.
func SettingsFromMap(raw map[string]interface{}, fallback Settings) Settings {
	s := fallback

	if v, ok := coerceInt(raw["bettingWindowMs"]); ok && v > 0 {
		s.BettingWindowMs = v
	}
	if v, ok := coerceInt(raw["flightDurationMs"]); ok && v > 0 {
		s.FlightDurationMs = v
	}
	if v, ok := coerceInt(raw["resetDelayMs"]); ok && v > 0 {
		s.ResetDelayMs = v
	}
	if v, ok := coerceInt(raw["historySize"]); ok && v > 0 {
		s.HistorySize = int(v)
	}
	if v, ok := coerceFloat(raw["minCrashMultiplier"]); ok && v >= 1 {
		s.MinCrashMultiplier = v
	}
	if v, ok := coerceFloat(raw["maxCrashMultiplier"]); ok && v >= 1 {
		s.MaxCrashMultiplier = v
	}
	if v, ok := coerceFloat(raw["rtp"]); ok && v > 0 {
		// Accept either a fraction (0.97) or a percentage (97).
		if v > 1 {
			v = v / 100
		}
		if v <= 1 {
			s.RTP = v
		}
	}
	if v, ok := coerceFloat(raw["minBet"]); ok && v > 0 {
		s.MinBet = v
	}
	if v, ok := coerceFloat(raw["maxBet"]); ok && v > 0 {
		s.MaxBet = v
	}
	if v, ok := coerceFloat(raw["forcedResult"]); ok {
		s.ForcedResult = v
	}
	if v, ok := coerceBool(raw["paused"]); ok {
		s.Paused = v
	}
	if v, ok := raw["serverSeed"].(string); ok && hexSeedPattern.MatchString(v) {
		s.ServerSeed = v
	}
	if v, ok := raw["serverHash"].(string); ok && hexSeedPattern.MatchString(v) {
		s.ServerHash = v
	}

	if s.MaxCrashMultiplier < s.MinCrashMultiplier {
		s.MaxCrashMultiplier = s.MinCrashMultiplier
	}

	return s
}

// ApplyOverrides merges an update_settings payload into s. Only known
// tuning keys are honored; seed/hash and pause state are not reachable
// through this path.
func (s Settings) ApplyOverrides(raw map[string]interface{}) Settings {
	merged := SettingsFromMap(raw, s)
	merged.ServerSeed = s.ServerSeed
	merged.ServerHash = s.ServerHash
	merged.Paused = s.Paused
	return merged
}

func coerceFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceInt(v interface{}) (int64, bool) {
	f, ok := coerceFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func coerceBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	default:
		return false, false
	}
}

package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config carries the process-level knobs. Engine tuning that operators can
// change at runtime lives in the persisted settings blob, not here; these
// are only the bootstrap defaults and wiring.
type Config struct {
	Port           string
	TickInterval   time.Duration
	BettingWindow  time.Duration
	FlightDuration time.Duration
	ResetDelay     time.Duration
	HistorySize    int
	MinCrash       float64
	MaxCrash       float64
	RTP            float64
	MinBet         float64
	MaxBet         float64
}

func Load() Config {
	return Config{
		Port:           Get("PORT", "8080"),
		TickInterval:   GetDurationMs("ENGINE_TICK_INTERVAL_MS", 100),
		BettingWindow:  GetDurationMs("ENGINE_BETTING_WINDOW_MS", 4000),
		FlightDuration: GetDurationMs("ENGINE_FLIGHT_DURATION_MS", 8000),
		ResetDelay:     GetDurationMs("ENGINE_RESET_DELAY_MS", 1500),
		HistorySize:    GetInt("ENGINE_HISTORY_SIZE", 30),
		MinCrash:       GetFloat("ENGINE_MIN_CRASH_MULTIPLIER", 1.0),
		MaxCrash:       GetFloat("ENGINE_MAX_CRASH_MULTIPLIER", 100.0),
		RTP:            GetFloat("ENGINE_RTP", 0.97),
		MinBet:         GetFloat("ENGINE_MIN_BET", 0.5),
		MaxBet:         GetFloat("ENGINE_MAX_BET", 500),
	}
}

func Get(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func GetInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func GetFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func GetBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func GetDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(GetInt(key, defaultMs)) * time.Millisecond
}

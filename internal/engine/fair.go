package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math"
	"strconv"
)

// Outcome is a committed crash point: the seed stays secret until the round
// ends, the hash is published before betting opens.
type Outcome struct {
	Seed       string
	Hash       string
	Multiplier float64
}

// Commit generates a fresh seed, its public commitment hash and the crash
// multiplier derived from the seed. A configured ForcedResult overrides the
// derived multiplier (clamped to nothing - forced values are exempt from
// bounds per the override contract) while keeping a verifiable seed/hash pair.
func Commit(settings Settings) Outcome {
	seed := GenerateSeed()
	out := Outcome{
		Seed: seed,
		Hash: HashSeed(seed),
	}

	if settings.ForcedResult >= 1 {
		out.Multiplier = roundDown2(settings.ForcedResult)
		return out
	}

	out.Multiplier = Reveal(seed, settings)
	return out
}

// Reveal deterministically derives the crash multiplier from a seed.
// The first 13 hex characters (52 bits) become a uniform float in [0,1),
// which is mapped through m = rtp / (1 - u) and bounded to the configured
// range. Any derivation that cannot produce an in-bounds value fails closed
// to MinCrashMultiplier.
func Reveal(seed string, settings Settings) float64 {
	if len(seed) < 13 {
		return settings.MinCrashMultiplier
	}

	h, err := strconv.ParseUint(seed[:13], 16, 64)
	if err != nil {
		return settings.MinCrashMultiplier
	}

	u := float64(h) / math.Pow(2, 52)
	if u >= 1 {
		return settings.MaxCrashMultiplier
	}

	raw := settings.RTP / (1 - u)
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return settings.MinCrashMultiplier
	}

	m := roundDown2(raw)
	if m < settings.MinCrashMultiplier {
		return settings.MinCrashMultiplier
	}
	if m > settings.MaxCrashMultiplier {
		return settings.MaxCrashMultiplier
	}

	return m
}

// GenerateSeed creates a cryptographically secure 32-byte hex seed.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashSeed creates the SHA-256 commitment for a seed.
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommitment reports whether a revealed seed reproduces the hash that
// was published before the round started.
func VerifyCommitment(seed, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSeed(seed)), []byte(hash)) == 1
}

func roundDown2(v float64) float64 {
	return math.Floor(v*100) / 100
}

package ttscache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// TTSConfig is the subset of the synthesis configuration that determines
// cache identity. Changing any field changes every key and the config hash.
type TTSConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// keyPayload is the hashed document for a single cache key.
type keyPayload struct {
	TTSConfig
	Text string `json:"text"`
}

// Key derives the cache key for synthesising text under cfg: the first
// 12 hex characters of the SHA-256 of the canonical JSON document.
func Key(cfg TTSConfig, text string) string {
	raw, _ := json.Marshal(keyPayload{TTSConfig: cfg, Text: text})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:12]
}

// ConfigHash derives the configuration identity hash: the first 16 hex
// characters of the SHA-256 of the config's canonical JSON document. A
// mismatch against the stored hash invalidates the whole cache.
func ConfigHash(cfg TTSConfig) string {
	raw, _ := json.Marshal(cfg)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

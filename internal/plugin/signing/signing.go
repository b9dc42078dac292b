// Package signing verifies the detached ed25519 signature a plugin package
// carries over its entry source text, producing the trust state recorded on
// an installed plugin. Verification is informational: a plugin that fails
// or carries no signature still installs, as "unverified" — only the
// permission gate is a real security boundary.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// GenerateKeyPair generates a new ed25519 key pair for plugin signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// SignEntrySource signs the SHA-256 digest of a plugin's entry source text
// and returns the hex-encoded signature, suitable for shipping alongside
// the plugin package as a detached ".sig" sidecar.
func SignEntrySource(entrySource string, privateKey ed25519.PrivateKey) string {
	hash := sha256.Sum256([]byte(entrySource))
	signature := ed25519.Sign(privateKey, hash[:])
	return hex.EncodeToString(signature)
}

// VerifyEntrySource reports whether hexSignature is a valid signature over
// entrySource from any key in trustedKeys. An empty hexSignature or an
// empty trustedKeys set never verifies.
func VerifyEntrySource(entrySource, hexSignature string, trustedKeys []ed25519.PublicKey) bool {
	if hexSignature == "" || len(trustedKeys) == 0 {
		return false
	}
	signature, err := hex.DecodeString(hexSignature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	hash := sha256.Sum256([]byte(entrySource))
	for _, publicKey := range trustedKeys {
		if ed25519.Verify(publicKey, hash[:], signature) {
			return true
		}
	}
	return false
}

// LoadTrustedKeys reads newline-separated hex-encoded ed25519 public keys
// from path, skipping blank lines. Used to populate the host's trusted-key
// set from the config file named by viper's "trustedKeysPath" setting.
func LoadTrustedKeys(path string) ([]ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trusted keys file: %w", err)
	}
	var keys []ed25519.PublicKey
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := string(data[start:i])
			start = i + 1
			line = trimSpace(line)
			if line == "" {
				continue
			}
			raw, err := hex.DecodeString(line)
			if err != nil || len(raw) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("malformed trusted key %q", line)
			}
			keys = append(keys, ed25519.PublicKey(raw))
		}
	}
	return keys, nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

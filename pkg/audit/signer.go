package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Signer handles HMAC-SHA256 signing and verification for audit events.
type Signer struct {
	key []byte // 32-byte HMAC signing key
}

// NewSigner creates a new signer, loading or generating the HMAC key in
// dataDir.
func NewSigner(dataDir string) (*Signer, error) {
	keyPath := filepath.Join(dataDir, ".audit-signing.key")

	if key, err := os.ReadFile(keyPath); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid audit signing key length: got %d, want 32", len(key))
		}
		log.Debug().Msg("Loaded existing audit signing key")
		return &Signer{key: key}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate audit signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create directory for audit signing key: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("save audit signing key: %w", err)
	}

	log.Info().Msg("Generated new audit signing key")
	return &Signer{key: key}, nil
}

// Sign computes an HMAC-SHA256 signature over the event's canonical form.
func (s *Signer) Sign(event Event) string {
	if s == nil || s.key == nil {
		return ""
	}
	canonical := canonicalForm(event)
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if the event's signature matches its content.
func (s *Signer) Verify(event Event) bool {
	if s == nil || s.key == nil || event.Signature == "" {
		return false
	}
	expected := s.Sign(event)
	return hmac.Equal([]byte(expected), []byte(event.Signature))
}

// canonicalForm creates a deterministic string representation of an event
// for signing.
func canonicalForm(event Event) string {
	success := "0"
	if event.Success {
		success = "1"
	}
	return event.ID + "|" +
		strconv.FormatInt(event.Timestamp.Unix(), 10) + "|" +
		event.EventType + "|" +
		event.Actor + "|" +
		event.OrgID + "|" +
		event.IP + "|" +
		event.Path + "|" +
		success + "|" +
		event.Details
}

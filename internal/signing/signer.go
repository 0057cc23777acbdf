// Package signing produces and verifies Ed25519 signatures over
// verification results, so downstream consumers can prove a result was
// issued by this service and has not been altered.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"phiacta-verify/internal/logging"
	"phiacta-verify/internal/models"
)

// createdAtFormat renders timestamps with microsecond precision and a
// numeric UTC offset. Signers and verifiers must agree on this format
// since created_at is part of the signed payload.
const createdAtFormat = "2006-01-02T15:04:05.999999-07:00"

// Signer signs and verifies VerificationResult records with Ed25519.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner loads a PKCS#8 PEM-encoded Ed25519 private key from
// privateKeyPath. When the path is empty or the file does not exist, an
// ephemeral key pair is generated instead; results signed with it cannot
// be verified across restarts, so this mode is only suitable for
// development.
func NewSigner(privateKeyPath string) (*Signer, error) {
	if privateKeyPath != "" {
		if _, err := os.Stat(privateKeyPath); err == nil {
			return loadSigner(privateKeyPath)
		}
	}

	logging.L().Warn("no signing key found, generating ephemeral key (dev mode only)",
		zap.String("key_path", privateKeyPath))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral signing key: %w", err)
	}
	return &Signer{privateKey: priv, publicKey: pub}, nil
}

func loadSigner(path string) (*Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key %s: %w", path, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not an Ed25519 key", path)
	}
	return &Signer{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// CanonicalPayload returns the deterministic JSON encoding of the fields
// covered by the signature. Keys are sorted and no whitespace is emitted,
// so the same result always produces the same bytes.
func (s *Signer) CanonicalPayload(result *models.VerificationResult) ([]byte, error) {
	data := map[string]any{
		"job_id":                 result.JobID.String(),
		"claim_id":               result.ClaimID.String(),
		"code_hash":              result.CodeHash,
		"verification_level":     string(result.VerificationLevel),
		"passed":                 result.Passed,
		"execution_time_seconds": result.ExecutionTimeSeconds,
		"created_at":             result.CreatedAt.Format(createdAtFormat),
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	return payload, nil
}

// Sign returns the base64-encoded Ed25519 signature over the canonical
// payload of result.
func (s *Signer) Sign(result *models.VerificationResult) (string, error) {
	payload, err := s.CanonicalPayload(result)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.privateKey, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature over result's
// canonical payload. Malformed signatures verify as false, never as an
// error.
func (s *Signer) Verify(result *models.VerificationResult, signature string) bool {
	payload, err := s.CanonicalPayload(result)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.publicKey, payload, sig)
}

// PublicKeyPEM returns the public key in PKIX PEM format for distribution
// to verifying parties.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SavePrivateKey persists the private key to path as unencrypted PKCS#8
// PEM, creating parent directories as needed. The file is written with
// owner-only permissions.
func (s *Signer) SavePrivateKey(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(s.privateKey)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("writing private key %s: %w", path, err)
	}
	return nil
}

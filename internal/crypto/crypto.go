// Package crypto provides the integrity and safety primitives used by the
// content pack pipeline: streaming SHA-256 hashing, keyed-MAC signatures,
// manifest path validation, and atomic file moves.
//
// # Signature scheme
//
// Signatures are HMAC-SHA256 over the raw bytes, base64 encoded. The scheme
// is symmetric: the verification key doubles as the signing key, so anyone
// holding it can forge signatures. Existing manifests and publishers depend
// on this format, which is why it is kept; a future manifest schema should
// move to asymmetric signing (e.g. Ed25519) with the private key held only
// by the publisher. Key material is injected at construction time, never
// compiled in.
//
// An optional PGP verification path for manifests published with a detached
// signature lives in pgp.go.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// hashBufferSize is the read buffer used for streaming file hashing.
// Files are never loaded whole for hashing.
const hashBufferSize = 8192

// Manager performs hashing, signing, and verification with injected keys.
type Manager struct {
	verifyKey []byte
	signKey   []byte
}

// Config holds the key material for a Manager.
type Config struct {
	// VerifyKey is the shared key used to verify manifest and archive
	// signatures. May be nil, in which case verification reports NoKey.
	VerifyKey []byte

	// SignKey enables the Sign helpers. Only publishing tooling sets this.
	SignKey []byte
}

// NewManager creates a Manager with the given key material.
func NewManager(cfg Config) *Manager {
	return &Manager{
		verifyKey: cfg.VerifyKey,
		signKey:   cfg.SignKey,
	}
}

// HashStatus is the outcome class of a hash verification.
type HashStatus int

const (
	// HashValid means the computed hash matches the expected value.
	HashValid HashStatus = iota
	// HashInvalid means the computed hash does not match.
	HashInvalid
	// HashError means the hash could not be computed (I/O failure).
	// It is never conflated with HashInvalid.
	HashError
)

// HashResult is the outcome of a hash verification.
type HashResult struct {
	Status HashStatus
	Err    error // set when Status is HashError
}

// SignatureStatus is the outcome class of a signature verification.
type SignatureStatus int

const (
	// SignatureValid means the signature verifies against the key.
	SignatureValid SignatureStatus = iota
	// SignatureInvalid means the signature does not verify.
	SignatureInvalid
	// SignatureMissing means no signature was provided.
	SignatureMissing
	// SignatureNoKey means no verification key is configured.
	SignatureNoKey
	// SignatureError means verification could not be performed.
	SignatureError
)

// String returns the string representation of the signature status.
func (s SignatureStatus) String() string {
	switch s {
	case SignatureValid:
		return "valid"
	case SignatureInvalid:
		return "invalid"
	case SignatureMissing:
		return "missing"
	case SignatureNoKey:
		return "no key"
	case SignatureError:
		return "error"
	default:
		return "unknown"
	}
}

// SignatureResult is the outcome of a signature verification.
type SignatureResult struct {
	Status SignatureStatus
	Err    error // set when Status is SignatureError
}

// HashData computes the SHA-256 hash of a byte slice as lowercase hex.
func (m *Manager) HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the SHA-256 hash of a file as lowercase hex, streaming
// with a fixed-size buffer.
func (m *Manager) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	buf := make([]byte, hashBufferSize)
	if _, err := io.CopyBuffer(hasher, file, buf); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyFileHash compares a file's SHA-256 hash against an expected hex
// digest. The comparison is case-insensitive. I/O failures surface as
// HashError, never as HashInvalid.
func (m *Manager) VerifyFileHash(path, expected string) HashResult {
	actual, err := m.HashFile(path)
	if err != nil {
		return HashResult{Status: HashError, Err: err}
	}

	if strings.EqualFold(actual, expected) {
		return HashResult{Status: HashValid}
	}
	return HashResult{Status: HashInvalid}
}

// Sign computes the HMAC-SHA256 signature of data, base64 encoded.
// It requires a signing key; verification-only deployments never hold one.
func (m *Manager) Sign(data []byte) (string, error) {
	if len(m.signKey) == 0 {
		return "", errors.New("signing key not available")
	}

	mac := hmac.New(sha256.New, m.signKey)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignFile computes the signature of a file's contents.
func (m *Manager) SignFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return m.Sign(data)
}

// VerifySignature verifies a base64-encoded HMAC-SHA256 signature over data.
func (m *Manager) VerifySignature(data []byte, signature string) SignatureResult {
	if signature == "" {
		return SignatureResult{Status: SignatureMissing}
	}
	if len(m.verifyKey) == 0 {
		return SignatureResult{Status: SignatureNoKey}
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return SignatureResult{Status: SignatureError, Err: fmt.Errorf("invalid base64 signature: %w", err)}
	}

	mac := hmac.New(sha256.New, m.verifyKey)
	mac.Write(data)

	if hmac.Equal(mac.Sum(nil), sigBytes) {
		return SignatureResult{Status: SignatureValid}
	}
	return SignatureResult{Status: SignatureInvalid}
}

// VerifyFileSignature verifies a signature over a file's contents.
// Read failures surface as SignatureError.
func (m *Manager) VerifyFileSignature(path, signature string) SignatureResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return SignatureResult{Status: SignatureError, Err: fmt.Errorf("read file: %w", err)}
	}
	return m.VerifySignature(data, signature)
}

// ValidateSafePath checks that a manifest-relative path is safe to join to
// an install root: not absolute, and free of parent-directory components.
// Current-directory components are allowed. It must be called before any
// path derived from manifest data touches the filesystem.
func ValidateSafePath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}

	// Screen both separator styles; archives built on Windows may carry
	// backslash-separated entries.
	normalized := strings.ReplaceAll(path, "\\", "/")

	if filepath.IsAbs(path) || strings.HasPrefix(normalized, "/") {
		return errors.New("absolute paths not allowed")
	}

	for _, component := range strings.Split(normalized, "/") {
		switch component {
		case "..":
			return errors.New("parent directory references not allowed")
		default:
			// Normal and current-directory components are fine.
		}
	}

	return nil
}

// StaleSourceError reports a move that copied the file successfully but
// failed to remove the source. The destination file is complete and usable;
// only the source copy is stale.
type StaleSourceError struct {
	Source string
	Err    error
}

func (e *StaleSourceError) Error() string {
	return fmt.Sprintf("file moved but source %s not removed: %v", e.Source, e.Err)
}

func (e *StaleSourceError) Unwrap() error {
	return e.Err
}

// SecureMove moves a file, attempting an atomic rename first and falling
// back to copy-then-remove for cross-device moves. If the copy succeeds but
// removing the source fails, it returns *StaleSourceError: the destination
// must be treated as valid.
func SecureMove(from, to string) error {
	if dir := filepath.Dir(to); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}

	if err := os.Rename(from, to); err == nil {
		return nil
	}

	if err := copyFile(from, to); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}

	if err := os.Remove(from); err != nil {
		return &StaleSourceError{Source: from, Err: err}
	}

	return nil
}

// copyFile copies src to dst, preserving the source file mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// SecureTempDir creates a timestamp-suffixed scratch directory under the
// system temp root and returns its path. Every call yields a distinct
// directory, so concurrent downloads never share scratch space. The
// caller owns cleanup.
func SecureTempDir() (string, error) {
	base := filepath.Join(os.TempDir(), "packset-secure")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create secure temp root: %w", err)
	}

	dir, err := os.MkdirTemp(base, fmt.Sprintf("download-%d-", time.Now().Unix()))
	if err != nil {
		return "", fmt.Errorf("create secure temp directory: %w", err)
	}

	return dir, nil
}

// Package password hashes and verifies key passwords with argon2id using
// the PHC string format. Stores call into it whenever a key is created with
// a non-nil password.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	timeCost    = 3
	memoryCost  = 64 * 1024
	parallelism = 1
	saltLen     = 16
	keyLen      = 32
)

// MinLength is the shortest password Validate accepts. MaxLength bounds the
// hashing cost for adversarial inputs.
const (
	MinLength = 8
	MaxLength = 256
)

var (
	ErrMismatch      = errors.New("password_mismatch")
	ErrMalformedHash = errors.New("malformed_password_hash")
)

// Validate reports whether a plaintext password is acceptable at
// registration time.
func Validate(pw string) error {
	if len(pw) < MinLength {
		return errors.New("password_too_short")
	}
	if len(pw) > MaxLength {
		return errors.New("password_too_long")
	}
	return nil
}

// HashArgon2id returns a PHC-formatted argon2id hash of pw.
func HashArgon2id(pw string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(pw), salt, timeCost, memoryCost, parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memoryCost, timeCost, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// Verify checks pw against a PHC-formatted argon2id hash produced by
// HashArgon2id (or any compatible implementation).
func Verify(pw, phc string) error {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return ErrMalformedHash
	}
	var (
		m uint32
		t uint32
		p uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return ErrMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return ErrMalformedHash
	}
	got := argon2.IDKey([]byte(pw), salt, t, m, p, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}

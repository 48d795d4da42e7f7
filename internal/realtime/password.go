package realtime

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id password hashing with PHC-encoded output
// ($argon2id$v=19$m=...,t=...,p=...$salt$hash).

// Argon2idParams defines Argon2id hashing parameters.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2idParams returns production hashing parameters.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB:   19 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLen:     16,
		KeyLen:      32,
	}
}

const minPasswordLen = 8

// Verify-side bounds: reject hashes demanding absurd resources before
// running Argon2 on attacker-supplied parameters.
const (
	maxVerifyMemoryKiB  = 1 << 21 // 2 GiB
	maxVerifyIterations = 16
	maxVerifyThreads    = 16
)

// HashPassword returns a PHC-style Argon2id hash string.
func HashPassword(plain string, p Argon2idParams) (string, error) {
	if len(plain) < minPasswordLen {
		return "", errors.New("password too short")
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.SaltLen == 0 || p.KeyLen == 0 {
		p = DefaultArgon2idParams()
	}

	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(plain), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether plain matches the PHC-encoded hash.
// Comparison is constant-time.
func VerifyPassword(plain, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false, errors.New("malformed password hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, errors.New("malformed password hash version")
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	var memoryKiB, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &iterations, &parallelism); err != nil {
		return false, errors.New("malformed password hash parameters")
	}
	if memoryKiB > maxVerifyMemoryKiB || iterations > maxVerifyIterations || parallelism > maxVerifyThreads {
		return false, errors.New("password hash parameters out of bounds")
	}
	if memoryKiB == 0 || iterations == 0 || parallelism == 0 {
		return false, errors.New("password hash parameters out of bounds")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.New("malformed password hash salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.New("malformed password hash key")
	}

	got := argon2.IDKey([]byte(plain), salt, iterations, memoryKiB, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

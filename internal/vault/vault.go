// Package vault holds credential hashing and password policy checks.
package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrPasswordMismatch indicates the supplied password does not match the stored credential.
	ErrPasswordMismatch = errors.New("vault: password mismatch")
	// ErrMalformedCredential indicates the stored credential cannot be parsed.
	ErrMalformedCredential = errors.New("vault: malformed credential")
)

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

// Hash derives an argon2id credential with a fresh random salt.
// The result is a self-describing PHC string; the plaintext is never recoverable.
func Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("vault: password is empty")
	}
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify re-derives the digest with the stored salt and parameters and
// compares in constant time. Returns ErrPasswordMismatch on failure.
func Verify(stored, supplied string) error {
	memory, iterations, parallelism, salt, want, err := parseCredential(stored)
	if err != nil {
		return err
	}
	got := argon2.IDKey([]byte(supplied), salt, iterations, memory, parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}

func parseCredential(stored string) (memory uint32, iterations uint32, parallelism uint8, salt, hash []byte, err error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrMalformedCredential
	}
	if parts[2] != "v=19" {
		return 0, 0, 0, nil, nil, ErrMalformedCredential
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedCredential
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedCredential
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return 0, 0, 0, nil, nil, ErrMalformedCredential
	}
	return m, t, p, salt, hash, nil
}

// Package auth holds password hashing, credential policy and opaque token
// helpers shared by the API and the CLI.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/vulnz/vulnz/internal/mail"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong
// password. Callers must not distinguish the two.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrInvalidUsername is returned when a username is not an email address.
var ErrInvalidUsername = errors.New("username must be a valid email address")

// ErrWeakPassword wraps the list of unmet password rules.
var ErrWeakPassword = errors.New("password does not meet requirements")

const bcryptCost = 12

// MaxPasswordBytes is the longest password bcrypt will hash.
const MaxPasswordBytes = 72

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// absentHash is compared against when no account matches, so an unknown
// username costs the same bcrypt work as a wrong password.
var absentHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("vulnz-absent-account"), bcryptCost)
	return h
})

// CheckPassword compares password with a stored hash and returns
// ErrInvalidCredentials on mismatch. An empty hash is compared against a
// placeholder and always fails.
func CheckPassword(hash, password string) error {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(absentHash(), []byte(password))
		return ErrInvalidCredentials
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Policy is the minimum character mix of an acceptable password.
type Policy struct {
	MinLength    int
	MinAlpha     int
	MinNumeric   int
	MinSymbols   int
	MinUppercase int
	MinLowercase int
}

// ValidatePassword checks password against p. The returned error wraps
// ErrWeakPassword and lists every rule the password fails, not only the
// first.
func ValidatePassword(p Policy, password string) error {
	var length, alpha, numeric, symbols, upper, lower int
	for _, r := range password {
		length++
		switch {
		case unicode.IsLetter(r):
			alpha++
			if unicode.IsUpper(r) {
				upper++
			}
			if unicode.IsLower(r) {
				lower++
			}
		case unicode.IsDigit(r):
			numeric++
		case !unicode.IsSpace(r):
			symbols++
		}
	}

	var unmet []string
	check := func(have, want int, what string) {
		if have < want {
			unmet = append(unmet, fmt.Sprintf("at least %d %s", want, what))
		}
	}
	check(length, p.MinLength, "characters")
	check(alpha, p.MinAlpha, "letters")
	check(numeric, p.MinNumeric, "digits")
	check(symbols, p.MinSymbols, "symbols")
	check(upper, p.MinUppercase, "uppercase letters")
	check(lower, p.MinLowercase, "lowercase letters")
	if len(password) > MaxPasswordBytes {
		unmet = append(unmet, fmt.Sprintf("at most %d bytes", MaxPasswordBytes))
	}

	if len(unmet) > 0 {
		return fmt.Errorf("%w: must have %s", ErrWeakPassword, strings.Join(unmet, ", "))
	}
	return nil
}

// ValidateUsername requires usernames to be email addresses, so a user's
// login always works as a fallback report recipient.
func ValidateUsername(username string) error {
	if !mail.ValidAddress(username) {
		return ErrInvalidUsername
	}
	return nil
}

// NormalizeUsername lowercases and trims a username before lookup or
// storage.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NewToken returns a random token for a client and the digest to store.
func NewToken() (token, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	token = hex.EncodeToString(b)
	return token, HashToken(token), nil
}

// HashToken returns the hex sha256 digest under which a token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

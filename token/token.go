// Package token implements LSNP authorization tokens: opaque strings of
// the form "user@ip|expiry_unix|scope", minted by a sender and validated
// by a receiver against the current clock, the datagram's source address,
// and the scope required for the message TYPE.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope is the permission class embedded in a token.
type Scope string

const (
	ScopeChat      Scope = "chat"
	ScopeFile      Scope = "file"
	ScopeBroadcast Scope = "broadcast"
	ScopeFollow    Scope = "follow"
	ScopeGame      Scope = "game"
	ScopeGroup     Scope = "group"
)

// Reason enumerates why Validate rejected a token.
type Reason string

const (
	ReasonMalformed     Reason = "Malformed"
	ReasonExpired       Reason = "Expired"
	ReasonScopeMismatch Reason = "ScopeMismatch"
	ReasonIPMismatch    Reason = "IPMismatch"
)

// ValidationError wraps a Reason for errors.Is-style handling.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("token: %s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("token: %s", e.Reason)
}

var (
	ErrMalformed     = &ValidationError{Reason: ReasonMalformed}
	ErrExpired       = &ValidationError{Reason: ReasonExpired}
	ErrScopeMismatch = &ValidationError{Reason: ReasonScopeMismatch}
	ErrIPMismatch    = &ValidationError{Reason: ReasonIPMismatch}
)

// Is implements errors.Is comparison by Reason only, so callers can do
// errors.Is(err, token.ErrExpired) regardless of Detail.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Mint returns a new token string for userFullID, scoped to scope, with
// expiry set to now+ttlSeconds.
func Mint(userFullID string, scope Scope, ttlSeconds int64, now time.Time) string {
	expiry := now.Add(time.Duration(ttlSeconds) * time.Second).Unix()
	return fmt.Sprintf("%s|%d|%s", userFullID, expiry, scope)
}

// Parsed holds the decoded fields of a token string.
type Parsed struct {
	UserFullID string
	Expiry     int64
	Scope      Scope
}

func parse(tok string) (Parsed, error) {
	parts := strings.Split(tok, "|")
	if len(parts) != 3 {
		return Parsed{}, &ValidationError{Reason: ReasonMalformed, Detail: "expected 3 fields"}
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Parsed{}, &ValidationError{Reason: ReasonMalformed, Detail: "bad expiry"}
	}
	if parts[0] == "" || parts[2] == "" {
		return Parsed{}, &ValidationError{Reason: ReasonMalformed, Detail: "empty field"}
	}
	return Parsed{UserFullID: parts[0], Expiry: expiry, Scope: Scope(parts[2])}, nil
}

// fullIDIP extracts the IP portion of a "user@ip" full-id.
func fullIDIP(fullID string) (string, error) {
	idx := strings.LastIndexByte(fullID, '@')
	if idx < 0 || idx == len(fullID)-1 {
		return "", errors.New("token: malformed full-id")
	}
	return fullID[idx+1:], nil
}

// Validate checks tok against the expected scope, the UDP source address
// that carried it, and the current time. On success it returns the
// decoded token; on failure, a *ValidationError naming the Reason.
func Validate(tok string, expectedScope Scope, senderIP string, now time.Time) (Parsed, error) {
	p, err := parse(tok)
	if err != nil {
		return Parsed{}, err
	}
	if now.Unix() > p.Expiry {
		return Parsed{}, ErrExpired
	}
	if p.Scope != expectedScope {
		return Parsed{}, ErrScopeMismatch
	}
	ip, err := fullIDIP(p.UserFullID)
	if err != nil {
		return Parsed{}, &ValidationError{Reason: ReasonMalformed, Detail: err.Error()}
	}
	if ip != senderIP {
		return Parsed{}, ErrIPMismatch
	}
	return p, nil
}

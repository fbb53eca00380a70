// Package failure classifies write errors as queueable or fatal.
package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"syscall"
)

// Category is the error taxonomy shared by every write path.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryServer     Category = "server"
	CategoryClient     Category = "client"
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryValidation Category = "validation"
	CategoryUnknown    Category = "unknown"
)

// MaxFingerprintLen bounds the length of an error fingerprint.
const MaxFingerprintLen = 220

var networkPatterns = []string{
	"failed to send a request",
	"failed to fetch",
	"network",
	"timeout",
	"timed out",
	"econnreset",
	"connection",
	"fetcherror",
	"no such host",
	"broken pipe",
	"eof",
}

// NetworkError marks a failure to reach the remote at all.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error: %s", e.Op)
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError marks a payload the remote can never accept.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type statusCoder interface {
	HTTPStatus() int
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Classify places err in the taxonomy.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return CategoryValidation
	}

	if status := Status(err); status > 0 {
		switch {
		case status == 401 || status == 403:
			return CategoryAuth
		case status == 429:
			return CategoryRateLimit
		case status == 408 || (status >= 500 && status < 600):
			return CategoryServer
		case status == 400 || status == 422:
			return CategoryValidation
		case status >= 400:
			return CategoryClient
		}
	}

	if isNetwork(err) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

func isNetwork(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return hasNetworkPattern(err.Error())
}

func hasNetworkPattern(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsQueueable reports whether err is transient, so the write should be queued
// and replayed instead of surfaced.
func IsQueueable(err error) bool {
	switch Classify(err) {
	case CategoryNetwork, CategoryServer, CategoryRateLimit:
		return true
	default:
		return false
	}
}

type messager interface {
	UserMessage() string
}

// Message extracts a non-empty human readable message from err.
func Message(err error) string {
	if err == nil {
		return "Unknown error"
	}
	var m messager
	if errors.As(err, &m) {
		if msg := strings.TrimSpace(m.UserMessage()); msg != "" {
			return msg
		}
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "Unknown error"
}

// Fingerprint returns a bounded representation of err and its context used
// for deduplication and display.
func Fingerprint(err error, fields map[string]any) string {
	fp := Message(err)
	if len(fields) > 0 {
		fp += " | " + stableJSON(fields)
	}
	return truncate(fp, MaxFingerprintLen)
}

// stableJSON encodes fields with sorted keys so equal contexts fingerprint equally.
func stableJSON(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(fields[k])
		if err != nil {
			vb, _ = json.Marshal(fmt.Sprint(fields[k]))
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// UserMessage turns err into text that can be shown to a user attempting action.
func UserMessage(err error, action string) string {
	if action == "" {
		action = "complete this action"
	}
	switch Classify(err) {
	case CategoryNetwork:
		return fmt.Sprintf("We couldn't reach the server to %s. Check your connection and try again.", action)
	case CategoryAuth:
		return fmt.Sprintf("Your session has expired. Please sign in again and try to %s.", action)
	case CategoryRateLimit:
		return "You're making requests too quickly. Please wait a moment and try again."
	case CategoryServer:
		return "Our servers are temporarily unavailable. Please try again in a moment."
	case CategoryValidation:
		return fmt.Sprintf("We couldn't %s because some details are invalid: %s", action, Message(err))
	default:
		return fmt.Sprintf("We couldn't %s: %s", action, Message(err))
	}
}

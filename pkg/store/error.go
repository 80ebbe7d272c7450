package store

import (
	"errors"
	"fmt"
)

// Error domains reported by stores.
const (
	DomainFlatpak = "flatpak"
	DomainGPG     = "gpg"
	DomainOSTree  = "ostree"
)

type ErrorCode int

const (
	ErrFailed ErrorCode = iota
	ErrAlreadyInstalled
	ErrNotInstalled
	ErrRemoteNotFound
	ErrRuntimeNotFound
	ErrRefNotFound
	ErrOutOfSpace
	ErrInvalidRef
	ErrInvalidData
	ErrSkipped
	ErrAborted
	ErrUntrusted
	ErrNeedNewFlatpak
	ErrPermissionDenied
)

var codeNames = map[ErrorCode]string{
	ErrFailed:           "failed",
	ErrAlreadyInstalled: "already-installed",
	ErrNotInstalled:     "not-installed",
	ErrRemoteNotFound:   "remote-not-found",
	ErrRuntimeNotFound:  "runtime-not-found",
	ErrRefNotFound:      "ref-not-found",
	ErrOutOfSpace:       "out-of-space",
	ErrInvalidRef:       "invalid-ref",
	ErrInvalidData:      "invalid-data",
	ErrSkipped:          "skipped",
	ErrAborted:          "aborted",
	ErrUntrusted:        "untrusted",
	ErrNeedNewFlatpak:   "need-new-flatpak",
	ErrPermissionDenied: "permission-denied",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code-%d", int(c))
}

// Error is a store-native error.
type Error struct {
	Domain  string
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Domain: DomainFlatpak, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches another *Error with the same domain and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// HasCode reports whether err wraps a flatpak-domain error with the code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Domain == DomainFlatpak && e.Code == code
}

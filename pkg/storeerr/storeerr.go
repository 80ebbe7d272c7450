// Package storeerr maps store-native and low-level errors onto a small set of generic kinds.
package storeerr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"syscall"

	"github.com/thepwagner/appcenter/pkg/store"
)

type Kind int

const (
	KindFailed Kind = iota
	KindNotSupported
	KindNoSpace
	KindInvalidFormat
	KindNoSecurity
	KindNoNetwork
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotSupported:
		return "not-supported"
	case KindNoSpace:
		return "no-space"
	case KindInvalidFormat:
		return "invalid-format"
	case KindNoSecurity:
		return "no-security"
	case KindNoNetwork:
		return "no-network"
	case KindCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Error carries a generic kind. Err is the original error, if any.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts err to kind, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %s", msg, err)
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the generic kind of err. Unconverted errors are KindFailed.
func KindOf(err error) Kind {
	if err == nil {
		return KindFailed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFailed
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Convert maps err onto a generic kind. Cancellation and already-converted errors pass through.
func Convert(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var converted *Error
	if errors.As(err, &converted) {
		return err
	}
	if kind, ok := convertLowLevel(err); ok {
		return &Error{Kind: kind, Message: err.Error(), Err: err}
	}

	var se *store.Error
	if errors.As(err, &se) {
		return &Error{Kind: storeKind(se), Message: err.Error(), Err: err}
	}

	slog.Warn("can't reliably fix up error", slog.String("domain", fmt.Sprintf("%T", err)), slog.String("error", err.Error()))
	return &Error{Kind: KindFailed, Message: err.Error(), Err: err}
}

func convertLowLevel(err error) (Kind, bool) {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return KindNoSpace, true
	case errors.Is(err, fs.ErrNotExist):
		return KindNotSupported, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNoNetwork, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNoNetwork, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNoNetwork, true
	}
	return 0, false
}

func storeKind(se *store.Error) Kind {
	switch se.Domain {
	case store.DomainGPG:
		return KindNoSecurity
	case store.DomainFlatpak:
	default:
		slog.Warn("can't reliably fix up error", slog.String("domain", se.Domain), slog.String("error", se.Message))
		return KindFailed
	}

	switch se.Code {
	case store.ErrAlreadyInstalled, store.ErrNotInstalled, store.ErrRemoteNotFound, store.ErrRuntimeNotFound, store.ErrRefNotFound:
		return KindNotSupported
	case store.ErrOutOfSpace:
		return KindNoSpace
	case store.ErrInvalidRef, store.ErrInvalidData:
		return KindInvalidFormat
	case store.ErrUntrusted:
		return KindNoSecurity
	default:
		return KindFailed
	}
}

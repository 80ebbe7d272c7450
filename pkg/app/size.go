package app

import "github.com/dustin/go-humanize"

type SizeKind int

const (
	SizeUnknown SizeKind = iota
	SizeUnknowable
	SizeValid
)

type Size struct {
	Kind  SizeKind
	Bytes uint64
}

func SizeOf(bytes uint64) Size {
	return Size{Kind: SizeValid, Bytes: bytes}
}

// Unknowable marks a size that no query can answer.
var Unknowable = Size{Kind: SizeUnknowable}

func (s Size) Valid() bool {
	return s.Kind == SizeValid
}

func (s Size) String() string {
	switch s.Kind {
	case SizeValid:
		return humanize.Bytes(s.Bytes)
	case SizeUnknowable:
		return "unknowable"
	default:
		return "unknown"
	}
}

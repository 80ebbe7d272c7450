package store

import (
	"fmt"
	"strings"
)

type RefKind int

const (
	RefKindApp RefKind = iota
	RefKindRuntime
)

func ParseRefKind(s string) (RefKind, error) {
	switch s {
	case "app":
		return RefKindApp, nil
	case "runtime":
		return RefKindRuntime, nil
	default:
		return 0, fmt.Errorf("unknown ref kind %q", s)
	}
}

func (k RefKind) String() string {
	if k == RefKindRuntime {
		return "runtime"
	}
	return "app"
}

// Ref identifies one app or runtime inside the store.
type Ref struct {
	Kind   RefKind
	Name   string
	Arch   string
	Branch string
}

// ParseRef parses the kind/name/arch/branch form produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	split := strings.Split(s, "/")
	if len(split) != 4 {
		return Ref{}, NewError(ErrInvalidRef, "invalid ref %q", s)
	}
	kind, err := ParseRefKind(split[0])
	if err != nil {
		return Ref{}, NewError(ErrInvalidRef, "invalid ref %q: %s", s, err)
	}
	for _, part := range split[1:] {
		if part == "" {
			return Ref{}, NewError(ErrInvalidRef, "invalid ref %q", s)
		}
	}
	return Ref{Kind: kind, Name: split[1], Arch: split[2], Branch: split[3]}, nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Kind, r.Name, r.Arch, r.Branch)
}

func (r Ref) IsZero() bool {
	return r.Name == ""
}

// Remote is a configured repository.
type Remote struct {
	Name          string
	Title         string
	URL           string
	GPGKey        []byte
	GPGVerify     bool
	DefaultBranch string
	Comment       string
	Description   string
	Homepage      string
	Icon          string
	Filter        string
	MainRef       string
	NoEnumerate   bool
	Disabled      bool
	Priority      int

	// AppstreamDir holds appstream.xml.gz for the remote once fetched.
	AppstreamDir       string
	AppstreamTimestamp int64
}

type InstalledRef struct {
	Ref
	Origin        string
	Commit        string
	LatestCommit  string
	DeployDir     string
	InstalledSize uint64
	IsCurrent     bool
	Subpaths      []string

	AppdataName    string
	AppdataSummary string
	AppdataVersion string
	EOL            string
	EOLRebase      string
}

type RemoteRef struct {
	Ref
	Remote        string
	Commit        string
	DownloadSize  uint64
	InstalledSize uint64
	Metadata      []byte
	EOL           string
	EOLRebase     string
}

type RelatedRef struct {
	Ref
	Subpaths       []string
	ShouldDownload bool
	ShouldDelete   bool
}

// BundleRef describes a single-file bundle before it is installed.
type BundleRef struct {
	Ref
	Path          string
	Origin        string
	Commit        string
	InstalledSize uint64
	Metadata      []byte
	Appstream     []byte
	RuntimeRepo   string
}

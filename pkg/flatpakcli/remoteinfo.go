package flatpakcli

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/thepwagner/appcenter/pkg/store"
)

type remoteInfo struct {
	commit        string
	downloadSize  uint64
	installedSize uint64
	eol           string
	eolRebase     string
}

// parseRemoteInfo reads the "Key: value" listing printed by flatpak remote-info.
func parseRemoteInfo(out []byte) (*remoteInfo, error) {
	info := &remoteInfo{}
	for _, line := range readLines(out) {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		var err error
		switch strings.TrimSpace(key) {
		case "Commit":
			info.commit = value
		case "Download":
			info.downloadSize, err = humanize.ParseBytes(value)
		case "Installed":
			info.installedSize, err = humanize.ParseBytes(value)
		case "End-of-life":
			info.eol = value
		case "End-of-life-rebase":
			info.eolRebase = value
		}
		if err != nil {
			return nil, store.NewError(store.ErrInvalidData, "parsing %q: %s", line, err)
		}
	}
	if info.commit == "" {
		return nil, store.NewError(store.ErrInvalidData, "no commit in remote-info output")
	}
	return info, nil
}

func (i *Installation) fetchRemoteInfo(ctx context.Context, remote string, ref store.Ref) (*remoteInfo, error) {
	key := remote + " " + ref.String()
	if info, ok := i.remoteInfo.Get(key); ok {
		return info, nil
	}
	out, err := i.flatpak(ctx, "remote-info", remote, ref.String())
	if err != nil {
		return nil, err
	}
	info, err := parseRemoteInfo(out)
	if err != nil {
		return nil, err
	}
	i.remoteInfo.Add(key, info)
	return info, nil
}

func (i *Installation) FetchRemoteRef(ctx context.Context, remote string, ref store.Ref) (*store.RemoteRef, error) {
	info, err := i.fetchRemoteInfo(ctx, remote, ref)
	if err != nil {
		return nil, err
	}
	return &store.RemoteRef{
		Ref:           ref,
		Remote:        remote,
		Commit:        info.commit,
		DownloadSize:  info.downloadSize,
		InstalledSize: info.installedSize,
		EOL:           info.eol,
		EOLRebase:     info.eolRebase,
	}, nil
}

func (i *Installation) FetchRemoteSize(ctx context.Context, remote string, ref store.Ref) (uint64, uint64, error) {
	info, err := i.fetchRemoteInfo(ctx, remote, ref)
	if err != nil {
		return 0, 0, err
	}
	return info.downloadSize, info.installedSize, nil
}

func (i *Installation) FetchRemoteMetadata(ctx context.Context, remote string, ref store.Ref) ([]byte, error) {
	return i.flatpak(ctx, "remote-info", "--show-metadata", remote, ref.String())
}

// ListRemoteRelatedRefs returns the extensions remote offers for ref's extension points.
// Points with subdirectories are skipped: their members cannot be enumerated cheaply.
func (i *Installation) ListRemoteRelatedRefs(ctx context.Context, remote string, ref store.Ref) ([]store.RelatedRef, error) {
	data, err := i.FetchRemoteMetadata(ctx, remote, ref)
	if err != nil {
		return nil, err
	}
	points, err := extensionPoints(data, ref)
	if err != nil {
		return nil, err
	}
	var out []store.RelatedRef
	for _, p := range points {
		if p.subdirectories {
			continue
		}
		if _, err := i.fetchRemoteInfo(ctx, remote, p.ref()); err != nil {
			if store.HasCode(err, store.ErrRefNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, store.RelatedRef{Ref: p.ref(), ShouldDownload: p.download, ShouldDelete: p.autodelete})
	}
	return out, nil
}

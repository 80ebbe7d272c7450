package flatpakcli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
	"github.com/thepwagner/appcenter/pkg/keyfile"
	"github.com/thepwagner/appcenter/pkg/store"
)

// Deployments live at <path>/<kind>/<name>/<arch>/<branch>/active, a symlink to the
// checkout of the deployed commit.
func (i *Installation) deployPath(ref store.Ref) string {
	return filepath.Join(i.path, ref.Kind.String(), ref.Name, ref.Arch, ref.Branch)
}

func (i *Installation) ListInstalledRefs(_ context.Context) ([]store.InstalledRef, error) {
	remotes, err := i.readRemotes()
	if err != nil {
		return nil, err
	}
	var out []store.InstalledRef
	for _, kind := range []store.RefKind{store.RefKindApp, store.RefKindRuntime} {
		refs, err := i.deployedRefs(kind)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			ir, err := i.installedRef(ref, remotes)
			if err != nil {
				i.log.Warn("skipping broken deployment", slog.String("ref", ref.String()), slog.Any("error", err))
				continue
			}
			out = append(out, *ir)
		}
	}
	return out, nil
}

func (i *Installation) deployedRefs(kind store.RefKind) ([]store.Ref, error) {
	matches, err := filepath.Glob(filepath.Join(i.path, kind.String(), "*", "*", "*", "active"))
	if err != nil {
		return nil, err
	}
	refs := make([]store.Ref, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(filepath.Join(i.path, kind.String()), filepath.Dir(m))
		if err != nil {
			return nil, err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		refs = append(refs, store.Ref{Kind: kind, Name: parts[0], Arch: parts[1], Branch: parts[2]})
	}
	return refs, nil
}

// installedRef reads one deployment. The origin is the remote whose ostree ref tracks it.
func (i *Installation) installedRef(ref store.Ref, remotes []store.Remote) (*store.InstalledRef, error) {
	active := filepath.Join(i.deployPath(ref), "active")
	target, err := os.Readlink(active)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.NewError(store.ErrNotInstalled, "%s not installed", ref)
	} else if err != nil {
		return nil, err
	}

	ir := &store.InstalledRef{
		Ref:       ref,
		Commit:    filepath.Base(target),
		DeployDir: filepath.Join(i.deployPath(ref), filepath.Base(target)),
		IsCurrent: ref.Kind == store.RefKindApp && i.currentBranch(ref.Name) == ref.Arch+"/"+ref.Branch,
	}
	for _, r := range remotes {
		b, err := os.ReadFile(filepath.Join(i.repoPath(), "refs", "remotes", r.Name, ref.String()))
		if err != nil {
			continue
		}
		ir.Origin = r.Name
		ir.LatestCommit = strings.TrimSpace(string(b))
		break
	}
	if ir.LatestCommit == "" {
		ir.LatestCommit = ir.Commit
	}
	if b, err := os.ReadFile(filepath.Join(ir.DeployDir, "subpaths")); err == nil {
		ir.Subpaths = readLines(b)
	}
	i.readAppdata(ir)
	return ir, nil
}

func (i *Installation) currentBranch(name string) string {
	target, err := os.Readlink(filepath.Join(i.path, "app", name, "current"))
	if err != nil {
		return ""
	}
	return filepath.ToSlash(target)
}

// readAppdata copies the name, summary and latest release of the deployed metainfo file.
func (i *Installation) readAppdata(ir *store.InstalledRef) {
	dir := filepath.Join(ir.DeployDir, "files", "share")
	var doc *etree.Document
	for _, p := range []string{
		filepath.Join(dir, "metainfo", ir.Name+".metainfo.xml"),
		filepath.Join(dir, "appdata", ir.Name+".appdata.xml"),
	} {
		d := etree.NewDocument()
		if err := d.ReadFromFile(p); err == nil {
			doc = d
			break
		}
	}
	if doc == nil {
		return
	}
	c := doc.FindElement("//component")
	if c == nil {
		return
	}
	for _, el := range c.SelectElements("name") {
		if el.SelectAttr("xml:lang") == nil && el.SelectAttr("lang") == nil {
			ir.AppdataName = strings.TrimSpace(el.Text())
			break
		}
	}
	for _, el := range c.SelectElements("summary") {
		if el.SelectAttr("xml:lang") == nil && el.SelectAttr("lang") == nil {
			ir.AppdataSummary = strings.TrimSpace(el.Text())
			break
		}
	}
	if rel := c.FindElement("releases/release"); rel != nil {
		ir.AppdataVersion = rel.SelectAttrValue("version", "")
	}
}

func readLines(b []byte) []string {
	var out []string
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ListInstalledRefsForUpdate returns deployments with a newer commit in their remote.
func (i *Installation) ListInstalledRefsForUpdate(ctx context.Context) ([]store.InstalledRef, error) {
	installed, err := i.ListInstalledRefs(ctx)
	if err != nil {
		return nil, err
	}
	out, err := i.flatpak(ctx, "remote-ls", "--updates", "--columns=ref,origin,commit:f")
	if err != nil {
		return nil, err
	}
	latest := map[string]string{}
	for _, line := range readLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		latest[fields[1]+" "+fields[0]] = fields[2]
	}

	var updates []store.InstalledRef
	for _, ir := range installed {
		commit, ok := latest[ir.Origin+" "+ir.Ref.String()]
		if !ok || commit == ir.Commit {
			continue
		}
		ir.LatestCommit = commit
		updates = append(updates, ir)
	}
	return updates, nil
}

func (i *Installation) GetInstalledRef(_ context.Context, ref store.Ref) (*store.InstalledRef, error) {
	remotes, err := i.readRemotes()
	if err != nil {
		return nil, err
	}
	return i.installedRef(ref, remotes)
}

func (i *Installation) GetCurrentInstalledApp(ctx context.Context, name string) (*store.InstalledRef, error) {
	current := i.currentBranch(name)
	arch, branch, ok := strings.Cut(current, "/")
	if !ok {
		return nil, store.NewError(store.ErrNotInstalled, "%s not installed", name)
	}
	return i.GetInstalledRef(ctx, store.Ref{Kind: store.RefKindApp, Name: name, Arch: arch, Branch: branch})
}

// ListInstalledRelatedRefs returns the installed extensions of ref, found through the
// extension points of its deployed metadata.
func (i *Installation) ListInstalledRelatedRefs(ctx context.Context, remote string, ref store.Ref) ([]store.RelatedRef, error) {
	ir, err := i.GetInstalledRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(ir.DeployDir, "metadata"))
	if err != nil {
		return nil, store.NewError(store.ErrInvalidData, "reading metadata of %s: %s", ref, err)
	}
	points, err := extensionPoints(data, ref)
	if err != nil {
		return nil, err
	}
	runtimes, err := i.deployedRefs(store.RefKindRuntime)
	if err != nil {
		return nil, err
	}

	remotes, err := i.readRemotes()
	if err != nil {
		return nil, err
	}
	var out []store.RelatedRef
	for _, rt := range runtimes {
		for _, p := range points {
			if !p.matches(rt) {
				continue
			}
			rir, err := i.installedRef(rt, remotes)
			if err != nil || (remote != "" && rir.Origin != remote) {
				continue
			}
			out = append(out, store.RelatedRef{Ref: rt, Subpaths: rir.Subpaths, ShouldDownload: p.download, ShouldDelete: p.autodelete})
			break
		}
	}
	return out, nil
}

type extensionPoint struct {
	name           string
	arch, branch   string
	subdirectories bool
	download       bool
	autodelete     bool
}

func (p extensionPoint) matches(ref store.Ref) bool {
	if ref.Arch != p.arch || ref.Branch != p.branch {
		return false
	}
	if ref.Name == p.name {
		return true
	}
	return p.subdirectories && strings.HasPrefix(ref.Name, p.name+".")
}

func (p extensionPoint) ref() store.Ref {
	return store.Ref{Kind: store.RefKindRuntime, Name: p.name, Arch: p.arch, Branch: p.branch}
}

// extensionPoints reads the [Extension <name>] groups of sandbox metadata.
func extensionPoints(data []byte, owner store.Ref) ([]extensionPoint, error) {
	kf, err := keyfile.Parse(data)
	if err != nil {
		return nil, store.NewError(store.ErrInvalidData, "parsing metadata of %s: %s", owner, err)
	}
	var points []extensionPoint
	for _, group := range kf.Groups() {
		name, ok := strings.CutPrefix(group, "Extension ")
		if !ok {
			continue
		}
		p := extensionPoint{name: name, arch: owner.Arch, branch: owner.Branch}
		if v := kf.Value(group, "version"); v != "" {
			p.branch = v
		} else if vs := kf.StringList(group, "versions"); len(vs) > 0 {
			p.branch = vs[0]
		}
		p.subdirectories, _ = kf.Bool(group, "subdirectories", false)
		noDownload, _ := kf.Bool(group, "no-autodownload", false)
		p.download = !noDownload
		p.autodelete, _ = kf.Bool(group, "autodelete", false)
		points = append(points, p)
	}
	return points, nil
}

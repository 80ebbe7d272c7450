// Package silo compiles AppStream metadata from many remotes plus locally installed
// desktop entries into one immutable, queryable document.
package silo

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/thepwagner/appcenter/pkg/compression"
	"github.com/thepwagner/appcenter/pkg/keyfile"
)

const (
	// Version is bumped whenever the compiled layout changes.
	Version = "3"
	// Keyword is injected into every component so searching for the packaging format finds it.
	Keyword    = "flatpak"
	BundleType = "flatpak"
)

// Source is one remote's AppStream contribution.
type Source struct {
	Origin     string
	IconPrefix string
	// Data is appstream XML, optionally gzip/xz/zstd compressed.
	Data []byte

	NoEnumerate bool
	// MainRef is the only ref kept from a no-enumerate remote. When empty the component
	// whose id equals the remote name up to its first '-' is kept.
	MainRef string
	// DefaultBranch drops components on other branches; empty disables filtering.
	DefaultBranch string

	// Disabled turns individual fixups off for this source.
	Disabled Fixup
}

// DesktopEntry is a launcher file exported by an installed app.
type DesktopEntry struct {
	Origin     string
	Ref        string
	Path       string
	IconPrefix string
	Data       []byte
}

type Builder struct {
	log     *slog.Logger
	sources []Source
	desktop []DesktopEntry
	locales []string
}

func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{log: log}
}

func (b *Builder) AddSource(src Source) {
	b.sources = append(b.sources, src)
}

func (b *Builder) AddDesktopEntry(d DesktopEntry) {
	b.desktop = append(b.desktop, d)
}

// AddLocale keeps translations for locale; without any locale every translation is kept.
func (b *Builder) AddLocale(locale ...string) {
	for _, l := range locale {
		if l != "" && !slices.Contains(b.locales, l) {
			b.locales = append(b.locales, l)
		}
	}
}

// GUID identifies the inputs. Builders with equal GUIDs compile identical silos.
func (b *Builder) GUID() string {
	h := sha256.New()
	fmt.Fprintf(h, "version %s\n", Version)
	for _, s := range b.sortedSources() {
		fmt.Fprintf(h, "source %q %q %t %q %q %d %x\n",
			s.Origin, s.IconPrefix, s.NoEnumerate, s.MainRef, s.DefaultBranch, s.Disabled, sha256.Sum256(s.Data))
	}
	for _, d := range b.sortedDesktop() {
		fmt.Fprintf(h, "desktop %q %q %q %q %x\n", d.Origin, d.Ref, d.Path, d.IconPrefix, sha256.Sum256(d.Data))
	}
	fmt.Fprintf(h, "locales %q\n", b.locales)
	return hex.EncodeToString(h.Sum(nil))
}

// Build compiles every contribution. A source that cannot be parsed is logged and skipped.
func (b *Builder) Build(ctx context.Context) (*Silo, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("silo")
	root.CreateAttr("version", Version)
	root.CreateAttr("guid", b.GUID())
	info := root.CreateElement("info")
	for _, l := range b.locales {
		info.CreateElement("locale").SetText(l)
	}

	remoteBundles := map[string]struct{}{}
	for _, src := range b.sortedSources() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		group, err := b.compileSource(src)
		if err != nil {
			b.log.Warn("skipping appstream source", slog.String("origin", src.Origin), slog.Any("error", err))
			continue
		}
		for _, c := range group.ChildElements() {
			if ref := bundleRef(c); ref != "" {
				remoteBundles[ref] = struct{}{}
			}
		}
		root.AddChild(group)
	}

	for _, d := range b.sortedDesktop() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := remoteBundles[d.Ref]; ok {
			continue
		}
		group, err := b.compileDesktop(d)
		if err != nil {
			b.log.Warn("skipping desktop entry", slog.String("path", d.Path), slog.Any("error", err))
			continue
		}
		root.AddChild(group)
	}

	return newSilo(doc)
}

func (b *Builder) compileSource(src Source) (*etree.Element, error) {
	data, err := compression.Decompress(src.Data)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	in := etree.NewDocument()
	if err := in.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	inRoot := in.Root()
	if inRoot == nil {
		return nil, fmt.Errorf("no root element")
	}

	group := newGroup(src.Origin, src.IconPrefix)
	for _, el := range inRoot.ChildElements() {
		if el.Tag != "component" && el.Tag != legacyTag {
			continue
		}
		if !applyFixups(&src, el) {
			continue
		}
		b.pruneLocales(el)
		group.AddChild(el)
	}
	return group, nil
}

func (b *Builder) compileDesktop(d DesktopEntry) (*etree.Element, error) {
	kf, err := keyfile.Parse(d.Data)
	if err != nil {
		return nil, err
	}
	const group = "Desktop Entry"
	if !kf.HasGroup(group) {
		return nil, fmt.Errorf("no %s group", group)
	}

	c := etree.NewElement("component")
	c.CreateAttr("type", "desktop-application")
	c.CreateElement("id").SetText(strings.TrimSuffix(filepath.Base(d.Path), ".desktop"))
	for _, key := range kf.Keys(group) {
		base, lang := splitLocaleKey(key)
		var tag string
		switch base {
		case "Name":
			tag = "name"
		case "Comment":
			tag = "summary"
		default:
			continue
		}
		el := c.CreateElement(tag)
		if lang != "" {
			el.CreateAttr("xml:lang", lang)
		}
		el.SetText(kf.Value(group, key))
	}
	if name := kf.Value(group, "Icon"); name != "" {
		icon := c.CreateElement("icon")
		icon.CreateAttr("type", "stock")
		icon.SetText(name)
	}
	if cats := kf.StringList(group, "Categories"); len(cats) > 0 {
		el := c.CreateElement("categories")
		for _, cat := range cats {
			el.CreateElement("category").SetText(cat)
		}
	}
	if kws := kf.StringList(group, "Keywords"); len(kws) > 0 {
		el := c.CreateElement("keywords")
		for _, kw := range kws {
			el.CreateElement("keyword").SetText(kw)
		}
	}
	launchable := c.CreateElement("launchable")
	launchable.CreateAttr("type", "desktop-id")
	launchable.SetText(filepath.Base(d.Path))
	bundle := c.CreateElement("bundle")
	bundle.CreateAttr("type", BundleType)
	bundle.SetText(d.Ref)

	src := Source{Origin: d.Origin, Disabled: FixupNoEnumerate | FixupDefaultBranch}
	applyFixups(&src, c)
	b.pruneLocales(c)

	g := newGroup(d.Origin, d.IconPrefix)
	g.CreateAttr("source", "desktop")
	g.AddChild(c)
	return g, nil
}

// pruneLocales drops translations for languages nobody asked for.
func (b *Builder) pruneLocales(el *etree.Element) {
	if len(b.locales) == 0 {
		return
	}
	for _, child := range el.ChildElements() {
		if lang := child.SelectAttrValue("xml:lang", ""); lang != "" && !b.wantLocale(lang) {
			el.RemoveChild(child)
			continue
		}
		b.pruneLocales(child)
	}
}

func (b *Builder) wantLocale(lang string) bool {
	for _, l := range b.locales {
		if l == lang || languageOf(l) == lang {
			return true
		}
	}
	return false
}

func (b *Builder) sortedSources() []Source {
	return slices.SortedStableFunc(slices.Values(b.sources), func(x, y Source) int {
		return cmp.Compare(x.Origin, y.Origin)
	})
}

func (b *Builder) sortedDesktop() []DesktopEntry {
	return slices.SortedStableFunc(slices.Values(b.desktop), func(x, y DesktopEntry) int {
		return cmp.Or(cmp.Compare(x.Origin, y.Origin), cmp.Compare(x.Path, y.Path))
	})
}

func newGroup(origin, iconPrefix string) *etree.Element {
	g := etree.NewElement("components")
	g.CreateAttr("origin", origin)
	if iconPrefix != "" {
		g.CreateAttr("icon-prefix", iconPrefix)
	}
	return g
}

// splitLocaleKey splits "Name[de]" into "Name" and "de".
func splitLocaleKey(key string) (string, string) {
	base, rest, ok := strings.Cut(key, "[")
	if !ok || !strings.HasSuffix(rest, "]") {
		return key, ""
	}
	return base, strings.TrimSuffix(rest, "]")
}

// languageOf strips territory, codeset and modifier: "de_DE.UTF-8@euro" is "de".
func languageOf(locale string) string {
	if i := strings.IndexAny(locale, "_.@"); i >= 0 {
		return locale[:i]
	}
	return locale
}

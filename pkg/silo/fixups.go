package silo

import (
	"strings"
	"unicode"

	"github.com/beevik/etree"
	"github.com/thepwagner/appcenter/pkg/store"
)

// Fixup is a normalization pass applied to each component of a contribution.
type Fixup uint

const (
	FixupKeyword Fixup = 1 << iota
	FixupID
	FixupLegacyTag
	FixupNightlyName
	FixupTokenize
	FixupNoEnumerate
	FixupDefaultBranch
)

const (
	legacyTag     = "application"
	nightlyPrefix = "(Nightly) "
)

type fixup struct {
	flag Fixup
	// apply returns false to drop the component.
	apply func(src *Source, c *etree.Element) bool
}

// fixups run in order; later passes see the output of earlier ones.
var fixups = []fixup{
	{FixupKeyword, addKeyword},
	{FixupID, fixID},
	{FixupLegacyTag, renameLegacyTag},
	{FixupNightlyName, stripNightlyName},
	{FixupTokenize, tokenize},
	{FixupNoEnumerate, filterNoEnumerate},
	{FixupDefaultBranch, filterDefaultBranch},
}

func applyFixups(src *Source, c *etree.Element) bool {
	for _, f := range fixups {
		if src.Disabled&f.flag != 0 {
			continue
		}
		if !f.apply(src, c) {
			return false
		}
	}
	return true
}

func addKeyword(_ *Source, c *etree.Element) bool {
	kws := unlocalized(c, "keywords")
	if kws == nil {
		kws = c.CreateElement("keywords")
	}
	for _, kw := range kws.SelectElements("keyword") {
		if strings.TrimSpace(kw.Text()) == Keyword {
			return true
		}
	}
	kws.CreateElement("keyword").SetText(Keyword)
	return true
}

// fixID makes the component id agree with the bundle's name segment, keeping the old id
// as a provided alias.
func fixID(_ *Source, c *etree.Element) bool {
	ref, err := store.ParseRef(bundleRef(c))
	if err != nil {
		return true
	}
	idEl := c.SelectElement("id")
	if idEl == nil {
		idEl = c.CreateElement("id")
	}
	old := strings.TrimSpace(idEl.Text())
	if old == ref.Name {
		return true
	}
	idEl.SetText(ref.Name)
	if old == "" {
		return true
	}

	provides := c.SelectElement("provides")
	if provides == nil {
		provides = c.CreateElement("provides")
	}
	for _, p := range provides.SelectElements("id") {
		if strings.TrimSpace(p.Text()) == old {
			return true
		}
	}
	provides.CreateElement("id").SetText(old)
	return true
}

func renameLegacyTag(_ *Source, c *etree.Element) bool {
	if c.Tag != legacyTag {
		return true
	}
	c.Tag = "component"
	if c.SelectAttr("type") == nil {
		c.CreateAttr("type", "desktop-application")
	}
	return true
}

// stripNightlyName fixes names written by old versions of appstream-compose.
func stripNightlyName(_ *Source, c *etree.Element) bool {
	for _, name := range c.SelectElements("name") {
		if t := name.Text(); strings.HasPrefix(t, nightlyPrefix) {
			name.SetText(strings.TrimPrefix(t, nightlyPrefix))
		}
	}
	return true
}

func tokenize(_ *Source, c *etree.Element) bool {
	var els []*etree.Element
	for _, tag := range []string{"id", "name", "summary"} {
		if el := unlocalized(c, tag); el != nil {
			els = append(els, el)
		}
	}
	if kws := unlocalized(c, "keywords"); kws != nil {
		els = append(els, kws.SelectElements("keyword")...)
	}
	for _, el := range els {
		if toks := Tokens(el.Text()); len(toks) > 0 {
			el.CreateAttr("tokens", strings.Join(toks, " "))
		}
	}
	return true
}

func filterNoEnumerate(src *Source, c *etree.Element) bool {
	if !src.NoEnumerate {
		return true
	}
	if src.MainRef != "" {
		return bundleRef(c) == src.MainRef
	}
	want, _, _ := strings.Cut(src.Origin, "-")
	return componentID(c) == want
}

func filterDefaultBranch(src *Source, c *etree.Element) bool {
	if src.DefaultBranch == "" {
		return true
	}
	ref, err := store.ParseRef(bundleRef(c))
	if err != nil {
		return true
	}
	return ref.Branch == src.DefaultBranch
}

// Tokens splits s into lower-case search tokens, dropping duplicates.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var toks []string
	seen := map[string]struct{}{}
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		toks = append(toks, f)
	}
	return toks
}

func bundleRef(c *etree.Element) string {
	for _, b := range c.SelectElements("bundle") {
		if b.SelectAttrValue("type", "") == BundleType {
			return strings.TrimSpace(b.Text())
		}
	}
	return ""
}

func componentID(c *etree.Element) string {
	if el := c.SelectElement("id"); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// unlocalized returns the first child named tag without an xml:lang attribute.
func unlocalized(c *etree.Element, tag string) *etree.Element {
	for _, el := range c.SelectElements(tag) {
		if el.SelectAttrValue("xml:lang", "") == "" {
			return el
		}
	}
	return nil
}

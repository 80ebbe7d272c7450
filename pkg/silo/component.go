package silo

import (
	"path"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Component is a read-only view of one compiled component.
type Component struct {
	el         *etree.Element
	origin     string
	iconPrefix string
}

func (c *Component) ID() string {
	return componentID(c.el)
}

// Kind is the AppStream component type, e.g. "desktop-application" or "runtime".
func (c *Component) Kind() string {
	return c.el.SelectAttrValue("type", "")
}

func (c *Component) Origin() string {
	return c.origin
}

func (c *Component) Bundle() string {
	return bundleRef(c.el)
}

// Runtime is the runtime ref declared on the bundle, if any.
func (c *Component) Runtime() string {
	for _, b := range c.el.SelectElements("bundle") {
		if b.SelectAttrValue("type", "") == BundleType {
			return b.SelectAttrValue("runtime", "")
		}
	}
	return ""
}

func (c *Component) Name(locale string) string {
	return c.localized("name", locale)
}

func (c *Component) Summary(locale string) string {
	return c.localized("summary", locale)
}

// Description flattens paragraphs and list items into plain text.
func (c *Component) Description(locale string) string {
	desc := pickLocale(c.el.SelectElements("description"), locale)
	if desc == nil {
		return ""
	}
	var paras []string
	for _, el := range desc.ChildElements() {
		switch el.Tag {
		case "p":
			if lang := el.SelectAttrValue("xml:lang", ""); lang != "" && !matchLocale(lang, locale) {
				continue
			}
			paras = append(paras, collapse(el.Text()))
		case "ul", "ol":
			var items []string
			for _, li := range el.SelectElements("li") {
				if lang := li.SelectAttrValue("xml:lang", ""); lang != "" && !matchLocale(lang, locale) {
					continue
				}
				items = append(items, " • "+collapse(li.Text()))
			}
			paras = append(paras, strings.Join(items, "\n"))
		}
	}
	return strings.Join(paras, "\n\n")
}

func (c *Component) ProjectLicense() string {
	return c.text("project_license")
}

func (c *Component) Developer() string {
	if dev := c.el.SelectElement("developer"); dev != nil {
		if name := dev.SelectElement("name"); name != nil {
			return strings.TrimSpace(name.Text())
		}
	}
	return c.text("developer_name")
}

// URL returns the url of the given type, e.g. "homepage".
func (c *Component) URL(kind string) string {
	for _, u := range c.el.SelectElements("url") {
		if u.SelectAttrValue("type", "") == kind {
			return strings.TrimSpace(u.Text())
		}
	}
	return ""
}

// Icon prefers the largest cached icon, then stock, then remote.
func (c *Component) Icon() string {
	var cached *etree.Element
	var stock, remote string
	for _, ic := range c.el.SelectElements("icon") {
		switch ic.SelectAttrValue("type", "") {
		case "cached":
			if cached == nil || iconWidth(ic) > iconWidth(cached) {
				cached = ic
			}
		case "stock":
			stock = strings.TrimSpace(ic.Text())
		case "remote", "local":
			remote = strings.TrimSpace(ic.Text())
		}
	}
	switch {
	case cached != nil && c.iconPrefix != "":
		w, h := cached.SelectAttrValue("width", "64"), cached.SelectAttrValue("height", "64")
		return path.Join(c.iconPrefix, w+"x"+h, strings.TrimSpace(cached.Text()))
	case cached != nil:
		return strings.TrimSpace(cached.Text())
	case stock != "":
		return stock
	default:
		return remote
	}
}

func (c *Component) Keywords() []string {
	kws := unlocalized(c.el, "keywords")
	if kws == nil {
		return nil
	}
	var out []string
	for _, kw := range kws.SelectElements("keyword") {
		out = append(out, strings.TrimSpace(kw.Text()))
	}
	return out
}

func (c *Component) Categories() []string {
	var out []string
	for _, cats := range c.el.SelectElements("categories") {
		for _, cat := range cats.SelectElements("category") {
			out = append(out, strings.TrimSpace(cat.Text()))
		}
	}
	return out
}

// Provides lists the alias ids of the component.
func (c *Component) Provides() []string {
	var out []string
	for _, p := range c.el.SelectElements("provides") {
		for _, id := range p.SelectElements("id") {
			out = append(out, strings.TrimSpace(id.Text()))
		}
	}
	return out
}

// Extends lists the ids of the components this add-on extends.
func (c *Component) Extends() []string {
	var out []string
	for _, e := range c.el.SelectElements("extends") {
		out = append(out, strings.TrimSpace(e.Text()))
	}
	return out
}

// Version is the version of the newest release.
func (c *Component) Version() string {
	releases := c.el.SelectElement("releases")
	if releases == nil {
		return ""
	}
	if r := releases.SelectElement("release"); r != nil {
		return r.SelectAttrValue("version", "")
	}
	return ""
}

// Custom returns a <custom> or <metadata> value.
func (c *Component) Custom(key string) string {
	for _, tag := range []string{"custom", "metadata"} {
		for _, group := range c.el.SelectElements(tag) {
			for _, v := range group.SelectElements("value") {
				if v.SelectAttrValue("key", "") == key {
					return v.Text()
				}
			}
		}
	}
	return ""
}

func (c *Component) text(tag string) string {
	if el := c.el.SelectElement(tag); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func (c *Component) localized(tag, locale string) string {
	if el := pickLocale(c.el.SelectElements(tag), locale); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func (c *Component) tokens(tag string) []string {
	el := unlocalized(c.el, tag)
	if el == nil {
		return nil
	}
	return elementTokens(el)
}

func (c *Component) keywordTokens() []string {
	var out []string
	for _, kws := range c.el.SelectElements("keywords") {
		for _, kw := range kws.SelectElements("keyword") {
			out = append(out, elementTokens(kw)...)
		}
	}
	return out
}

func elementTokens(el *etree.Element) []string {
	if toks := el.SelectAttrValue("tokens", ""); toks != "" {
		return strings.Fields(toks)
	}
	return Tokens(el.Text())
}

// pickLocale prefers an exact locale match, then the language, then the untranslated element.
func pickLocale(els []*etree.Element, locale string) *etree.Element {
	var lang, base *etree.Element
	for _, el := range els {
		switch l := el.SelectAttrValue("xml:lang", ""); {
		case l == "":
			if base == nil {
				base = el
			}
		case locale != "" && l == locale:
			return el
		case locale != "" && l == languageOf(locale) && lang == nil:
			lang = el
		}
	}
	if lang != nil {
		return lang
	}
	return base
}

func matchLocale(lang, locale string) bool {
	return lang == locale || lang == languageOf(locale)
}

func iconWidth(el *etree.Element) int {
	w, _ := strconv.Atoi(el.SelectAttrValue("width", "0"))
	return w
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

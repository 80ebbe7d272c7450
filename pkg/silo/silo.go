package silo

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/thepwagner/appcenter/pkg/cache"
	"github.com/thepwagner/appcenter/pkg/compression"
)

// Namespace holds persisted silos in a cache.Storage.
const Namespace cache.Namespace = "silo"

// CacheKey embeds the layout version and locale, so a change of either misses.
func CacheKey(installation, locale string) cache.Key {
	return Namespace.Key(installation, "v"+Version, locale)
}

// Silo is an immutable compiled index. It is safe for concurrent use.
type Silo struct {
	doc        *etree.Document
	guid       string
	locales    []string
	components []*Component
	byBundle   map[string]*Component
	byID       map[string][]*Component
}

func newSilo(doc *etree.Document) (*Silo, error) {
	root := doc.Root()
	if root == nil || root.Tag != "silo" {
		return nil, fmt.Errorf("not a silo document")
	}
	if v := root.SelectAttrValue("version", ""); v != Version {
		return nil, fmt.Errorf("silo version %q, want %q", v, Version)
	}

	s := &Silo{
		doc:      doc,
		guid:     root.SelectAttrValue("guid", ""),
		byBundle: map[string]*Component{},
		byID:     map[string][]*Component{},
	}
	if info := root.SelectElement("info"); info != nil {
		for _, l := range info.SelectElements("locale") {
			s.locales = append(s.locales, l.Text())
		}
	}
	for _, group := range root.SelectElements("components") {
		origin := group.SelectAttrValue("origin", "")
		prefix := group.SelectAttrValue("icon-prefix", "")
		for _, el := range group.SelectElements("component") {
			c := &Component{el: el, origin: origin, iconPrefix: prefix}
			s.components = append(s.components, c)
			if ref := c.Bundle(); ref != "" {
				if _, ok := s.byBundle[ref]; !ok {
					s.byBundle[ref] = c
				}
			}
			id := c.ID()
			s.byID[id] = append(s.byID[id], c)
		}
	}
	return s, nil
}

// Load parses a silo written by Marshal.
func Load(data []byte) (*Silo, error) {
	raw, err := compression.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompressing silo: %w", err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parsing silo: %w", err)
	}
	return newSilo(doc)
}

// Open returns the silo persisted under key if it was compiled from inputs with guid.
func Open(ctx context.Context, storage cache.Storage, key cache.Key, guid string) (*Silo, bool) {
	data, ok := storage.Get(ctx, key)
	if !ok {
		return nil, false
	}
	s, err := Load(data)
	if err != nil || s.guid != guid {
		return nil, false
	}
	return s, true
}

func (s *Silo) Save(ctx context.Context, storage cache.Storage, key cache.Key) error {
	b, err := s.Marshal()
	if err != nil {
		return err
	}
	storage.Add(ctx, key, b)
	return nil
}

// XML is the uncompressed document.
func (s *Silo) XML() ([]byte, error) {
	return s.doc.WriteToBytes()
}

func (s *Silo) Marshal() ([]byte, error) {
	b, err := s.XML()
	if err != nil {
		return nil, fmt.Errorf("writing silo: %w", err)
	}
	return compression.ZSTD.Compress(b)
}

func (s *Silo) GUID() string {
	return s.guid
}

func (s *Silo) Locales() []string {
	return slices.Clone(s.locales)
}

func (s *Silo) Len() int {
	return len(s.components)
}

func (s *Silo) Components() []*Component {
	return slices.Clone(s.components)
}

// ByBundle finds the component shipped in the flatpak ref "kind/name/arch/branch".
func (s *Silo) ByBundle(ref string) *Component {
	return s.byBundle[ref]
}

func (s *Silo) ByID(id string) []*Component {
	return slices.Clone(s.byID[id])
}

func (s *Silo) ByOrigin(origin string) []*Component {
	var out []*Component
	for _, c := range s.components {
		if c.origin == origin {
			out = append(out, c)
		}
	}
	return out
}

// ByProvides finds components that list id as a provided alias.
func (s *Silo) ByProvides(id string) []*Component {
	var out []*Component
	for _, c := range s.components {
		if slices.Contains(c.Provides(), id) {
			out = append(out, c)
		}
	}
	return out
}

// ByExtends finds add-ons declaring that they extend id.
func (s *Silo) ByExtends(id string) []*Component {
	var out []*Component
	for _, c := range s.components {
		if slices.Contains(c.Extends(), id) {
			out = append(out, c)
		}
	}
	return out
}

const (
	scoreID      = 100
	scoreName    = 80
	scoreKeyword = 60
	scoreSummary = 40
)

// Search returns components matching every term as a token prefix, best match first.
func (s *Silo) Search(terms ...string) []*Component {
	want := Tokens(strings.Join(terms, " "))
	if len(want) == 0 {
		return nil
	}

	type hit struct {
		c     *Component
		score int
	}
	var hits []hit
	for _, c := range s.components {
		fields := []struct {
			toks  []string
			score int
		}{
			{c.tokens("id"), scoreID},
			{c.tokens("name"), scoreName},
			{c.keywordTokens(), scoreKeyword},
			{c.tokens("summary"), scoreSummary},
		}
		total := 0
		for _, term := range want {
			best := 0
			for _, f := range fields {
				if f.score > best && hasPrefix(f.toks, term) {
					best = f.score
				}
			}
			if best == 0 {
				total = 0
				break
			}
			total += best
		}
		if total > 0 {
			hits = append(hits, hit{c: c, score: total})
		}
	}

	slices.SortStableFunc(hits, func(a, b hit) int {
		return cmp.Or(cmp.Compare(b.score, a.score), cmp.Compare(a.c.ID(), b.c.ID()), cmp.Compare(a.c.origin, b.c.origin))
	})
	out := make([]*Component, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.c)
	}
	return out
}

func hasPrefix(toks []string, term string) bool {
	for _, t := range toks {
		if strings.HasPrefix(t, term) {
			return true
		}
	}
	return false
}

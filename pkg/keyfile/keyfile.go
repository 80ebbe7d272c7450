// Package keyfile reads desktop-entry style key files: [Group] headers, Key=Value lines,
// ';'-separated lists and backslash escapes.
package keyfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

type File struct {
	f *ini.File
}

var loadOptions = ini.LoadOptions{
	IgnoreContinuation:      true,
	IgnoreInlineComment:     true,
	PreserveSurroundedQuote: true,
	KeyValueDelimiters:      "=",
	// Group names such as "Extension org.example.Foo.Locale" must not inherit keys.
	ChildSectionDelimiter: "\n",
}

func Parse(data []byte) (*File, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parsing keyfile: %w", err)
	}
	return &File{f: f}, nil
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func (k *File) Groups() []string {
	var groups []string
	for _, name := range k.f.SectionStrings() {
		if name == ini.DefaultSection {
			continue
		}
		groups = append(groups, name)
	}
	return groups
}

func (k *File) HasGroup(group string) bool {
	return group != ini.DefaultSection && k.f.HasSection(group)
}

func (k *File) HasKey(group, key string) bool {
	if !k.HasGroup(group) {
		return false
	}
	return k.f.Section(group).HasKey(key)
}

// Keys returns the keys of group in file order.
func (k *File) Keys(group string) []string {
	if !k.HasGroup(group) {
		return nil
	}
	return k.f.Section(group).KeyStrings()
}

// String returns the unescaped value of key.
func (k *File) String(group, key string) (string, bool) {
	v, ok := k.raw(group, key)
	if !ok {
		return "", false
	}
	return unescape(v), true
}

// Value returns the unescaped value of key, or "" if missing.
func (k *File) Value(group, key string) string {
	v, _ := k.String(group, key)
	return v
}

// LocaleString prefers Key[locale], then Key[lang] and finally Key.
func (k *File) LocaleString(group, key, locale string) (string, bool) {
	if locale != "" {
		if v, ok := k.String(group, fmt.Sprintf("%s[%s]", key, locale)); ok {
			return v, true
		}
		if lang, _, found := strings.Cut(locale, "_"); found {
			if v, ok := k.String(group, fmt.Sprintf("%s[%s]", key, lang)); ok {
				return v, true
			}
		}
	}
	return k.String(group, key)
}

// StringList splits a ';'-separated value; "\;" escapes a literal separator.
func (k *File) StringList(group, key string) []string {
	v, ok := k.raw(group, key)
	if !ok {
		return nil
	}
	return splitList(v)
}

func (k *File) Bool(group, key string, def bool) (bool, error) {
	v, ok := k.raw(group, key)
	if !ok {
		return def, nil
	}
	switch v {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return def, fmt.Errorf("key %s in group %s: invalid boolean %q", key, group, v)
	}
}

func (k *File) Uint64(group, key string) (uint64, bool, error) {
	v, ok := k.raw(group, key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("key %s in group %s: %w", key, group, err)
	}
	return n, true, nil
}

func (k *File) raw(group, key string) (string, bool) {
	if !k.HasKey(group, key) {
		return "", false
	}
	return k.f.Section(group).Key(key).Value(), true
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 's':
			sb.WriteByte(' ')
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

func splitList(s string) []string {
	var items []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == ';':
			cur.WriteByte(';')
			i++
		case s[i] == '\\' && i+1 < len(s):
			cur.WriteByte(s[i])
			cur.WriteByte(s[i+1])
			i++
		case s[i] == ';':
			items = append(items, unescape(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	if cur.Len() > 0 {
		items = append(items, unescape(cur.String()))
	}
	return items
}

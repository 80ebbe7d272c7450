package cache

import "strings"

// Namespace groups blobs of one kind, e.g. compiled silos.
type Namespace string

// Key addresses one blob: its namespace plus ordered parts such as an installation and a
// locale, or a URL.
type Key struct {
	namespace Namespace
	name      string
}

const partSeparator = "/"

func (n Namespace) Key(parts ...string) Key {
	return Key{namespace: n, name: strings.Join(parts, partSeparator)}
}

func (k Key) Namespace() Namespace {
	return k.namespace
}

// Name is the key without its namespace.
func (k Key) Name() string {
	return k.name
}

func (k Key) String() string {
	if k.namespace == "" {
		return k.name
	}
	return string(k.namespace) + ":" + k.name
}

// Package keyring decodes the OpenPGP keys remotes are verified with.
package keyring

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

var ErrNoKeys = errors.New("keyring contains no keys")

// DecodeGPGKey decodes the base64 GPGKey value of a repo or ref file into raw keyring bytes.
func DecodeGPGKey(s string) ([]byte, openpgp.EntityList, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding base64: %w", err)
	}
	entities, err := FromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	return raw, entities, nil
}

// FromReader reads an armored or binary keyring.
func FromReader(in io.Reader) (openpgp.EntityList, error) {
	b, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	var entities openpgp.EntityList
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("-----BEGIN")) {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(b))
	} else {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(b))
	}
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(entities) == 0 {
		return nil, ErrNoKeys
	}
	return entities, nil
}

// KeyIDs lists the primary key IDs, for logging.
func KeyIDs(entities openpgp.EntityList) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.PrimaryKey.KeyIdString())
	}
	return ids
}

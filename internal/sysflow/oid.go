package sysflow

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath   = errors.New("empty path")
	ErrNotAbsolute = errors.New("path is not absolute")
)

// OID identifies a process instance: host pid plus creation time, so a
// recycled pid gets a new identity.
type OID struct {
	Hpid     int64 `avro:"hpid"`
	CreateTS int64 `avro:"createTS"`
}

func (o OID) IsZero() bool {
	return o.Hpid == 0 && o.CreateTS == 0
}

func (o OID) String() string {
	return fmt.Sprintf("%d:%d", o.Hpid, o.CreateTS)
}

// FOID identifies a file object. It is the SHA-1 digest of the canonical key.
type FOID [sha1.Size]byte

func (f FOID) IsZero() bool {
	return f == FOID{}
}

func (f FOID) String() string {
	return hex.EncodeToString(f[:])
}

// NewFOID derives a file identity from the resource type and path. Extra
// fields disambiguate objects that share a path (pipes, anonymous sockets).
func NewFOID(restype Restype, path string, extra ...string) (FOID, error) {
	canonical := path

	switch restype {
	case RestypeFile, RestypeDir:
		var err error

		if canonical, err = CanonicalPath(path); err != nil {
			return FOID{}, fmt.Errorf("canonical path: %w", err)
		}
	default:
		if path == "" {
			return FOID{}, ErrEmptyPath
		}
	}

	var b strings.Builder

	b.WriteByte(byte(restype))
	b.WriteString(canonical)

	for _, e := range extra {
		b.WriteByte('|')
		b.WriteString(e)
	}

	return sha1.Sum([]byte(b.String())), nil
}

// CanonicalPath cleans the path lexically. Symlinks are not resolved, the
// path may no longer exist on the host by the time it is reported.
func CanonicalPath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%q: %w", path, ErrNotAbsolute)
	}

	return filepath.Clean(path), nil
}

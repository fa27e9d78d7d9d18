package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// DefaultSnapshotPrefix is the object prefix snapshots are written under.
const DefaultSnapshotPrefix = "snapshots"

// Archiver writes raw markup to a blob store under a content-addressed path.
type Archiver struct {
	store  scrape.BlobStore
	hasher scrape.Hasher
	prefix string
}

// NewArchiver builds an Archiver.
func NewArchiver(store scrape.BlobStore, hasher scrape.Hasher, prefix string) (*Archiver, error) {
	if store == nil || hasher == nil {
		return nil, errors.New("archiver needs a blob store and a hasher")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	return &Archiver{store: store, hasher: hasher, prefix: prefix}, nil
}

// Archive stores body at <prefix>/<host>/<sha256>.html and returns its URI.
func (a *Archiver) Archive(ctx context.Context, rawURL string, body []byte) (string, error) {
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	key := path.Join(a.prefix, snapshotHost(rawURL), digest+".html")
	uri, err := a.store.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", key, err)
	}
	return uri, nil
}

func snapshotHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, host)
}

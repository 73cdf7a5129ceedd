package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FSStore keeps objects on local disk. Signed URLs point at BaseURL and
// carry an HMAC that Verify checks; the API serves them in development.
type FSStore struct {
	root    string
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewFSStore creates an FSStore rooted at root. signingKey authenticates
// generated URLs.
func NewFSStore(root, baseURL string, signingKey []byte) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blobstore: fs root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     signingKey,
		now:     time.Now,
	}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes data under key.
func (s *FSStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	return os.Rename(tmp, p)
}

// Get reads the object stored under key.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// SignedURL returns BaseURL/key with an expiry and signature.
func (s *FSStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.baseURL + "/" + strings.TrimLeft(key, "/") + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (s *FSStore) Verify(key, expires, sig string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.sign(key, exp)))
}

func (s *FSStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", strings.TrimLeft(key, "/"), expires)
	return hex.EncodeToString(mac.Sum(nil))
}

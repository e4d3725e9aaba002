// Package ota implements the hub's firmware repository and the rolling,
// one-node-at-a-time update dispatcher. Grounded on
// internal/astdb/downloader.go's blob-fetch-to-local-path style
// (adapted here to a read-only manifest + directory-traversal-checked
// binary lookup) and backend/gamification/tally_service.go's
// tick-driven single-item state machine (adapted from a periodic batch
// tally to a rolling per-node rollout).
package ota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Release describes one firmware build available for a platform/track.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// manifestFile mirrors the on-disk JSON shape:
//
//	{"platforms": {"esp32-s3": {"releases": {"stable": {...}}}}}
type manifestFile struct {
	Platforms map[string]struct {
		Releases map[string]Release `json:"releases"`
	} `json:"platforms"`
}

var (
	// ErrUnknownPlatform is returned when a platform has no manifest entry.
	ErrUnknownPlatform = errors.New("ota: unknown platform")
	// ErrUnknownTrack is returned when a platform has no release for the
	// requested track (e.g. "stable", "beta").
	ErrUnknownTrack = errors.New("ota: unknown track")
	// ErrBadPath is returned when a requested binary path escapes the
	// blob store root or does not resolve to a regular file.
	ErrBadPath = errors.New("ota: invalid binary path")
	// ErrNotFound is returned when a binary's manifest-listed path does
	// not exist in the blob store.
	ErrNotFound = errors.New("ota: binary not found")
)

// Repository is the hub's read-only firmware manifest plus the blob
// store directory backing release binaries. It is mounted once at
// startup; released binaries are never mutated by this process.
type Repository struct {
	log      *zap.Logger
	blobRoot string

	mu       sync.RWMutex
	manifest manifestFile
}

// NewRepository loads manifestPath (a JSON file) and roots binary
// lookups under blobRoot. The manifest is read once; call Reload to
// pick up a changed manifest file without restarting the process.
func NewRepository(log *zap.Logger, manifestPath, blobRoot string) (*Repository, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Repository{log: log, blobRoot: blobRoot}
	if err := r.Reload(manifestPath); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the manifest file from disk.
func (r *Repository) Reload(manifestPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("ota: read manifest: %w", err)
	}
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("ota: parse manifest: %w", err)
	}
	r.mu.Lock()
	r.manifest = mf
	r.mu.Unlock()
	r.log.Info("ota manifest loaded", zap.String("path", manifestPath), zap.Int("platforms", len(mf.Platforms)))
	return nil
}

// Lookup resolves the release for platform/track. Returns
// ErrUnknownPlatform or ErrUnknownTrack when absent.
func (r *Repository) Lookup(platform, track string) (Release, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.manifest.Platforms[platform]
	if !ok {
		return Release{}, ErrUnknownPlatform
	}
	rel, ok := p.Releases[track]
	if !ok {
		return Release{}, ErrUnknownTrack
	}
	return rel, nil
}

// ResolveBinaryPath validates urlPath (as served from an ota_update
// message, e.g. "/ota/esp32-s3/v1.2.3.bin") against the blob store root
// and returns the local filesystem path to serve. Rejects any path
// containing ".." segments and any path that does not resolve to a
// regular file under blobRoot.
func (r *Repository) ResolveBinaryPath(urlPath string) (string, error) {
	trimmed := strings.TrimPrefix(urlPath, "/ota/")
	if trimmed == urlPath || strings.Contains(urlPath, "..") {
		return "", ErrBadPath
	}
	full := filepath.Join(r.blobRoot, trimmed)
	rel, err := filepath.Rel(r.blobRoot, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrBadPath
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	if info.IsDir() {
		return "", ErrBadPath
	}
	return full, nil
}

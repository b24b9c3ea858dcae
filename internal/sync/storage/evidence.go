// Package storage provides content-addressed storage for photo evidence
// captured offline. Photo-attach operations reference blobs by their
// SHA-256 hash; the processor reads them back when the operation drains.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldops/fieldsync/internal/errors"
)

// EvidenceStore stores blobs by their content hash. Identical photos are
// stored once.
type EvidenceStore struct {
	baseDir string
}

// NewEvidenceStore creates an EvidenceStore rooted at baseDir.
func NewEvidenceStore(baseDir string) *EvidenceStore {
	return &EvidenceStore{baseDir: baseDir}
}

// CalculateHash calculates the SHA-256 hash of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateHashFromReader calculates the SHA-256 hash of everything read from r.
func CalculateHashFromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Put stores data and returns its content hash. The blob lands at
// baseDir/{hash[0:2]}/{hash[2:4]}/{hash} through a synced temp file and a
// rename, so a crash never leaves a truncated blob under its final name.
func (s *EvidenceStore) Put(data []byte) (string, error) {
	hash := CalculateHash(data)
	dest := s.path(hash)

	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", errors.Storage("create evidence directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), hash+".tmp-*")
	if err != nil {
		return "", errors.Storage("create evidence temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Storage("write evidence", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Storage("sync evidence", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Storage("close evidence", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", errors.Storage("commit evidence", err)
	}
	return hash, nil
}

// Get returns the blob stored under hash after verifying its content.
func (s *EvidenceStore) Get(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, errors.Newf(errors.ErrValidation, "invalid evidence hash %q", hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrNotFound, "evidence %s not found", hash)
		}
		return nil, errors.Storage("read evidence", err)
	}
	if got := CalculateHash(data); got != hash {
		return nil, errors.Storage("read evidence",
			fmt.Errorf("hash mismatch: expected %s, got %s", hash, got))
	}
	return data, nil
}

// Exists reports whether a blob is stored under hash.
func (s *EvidenceStore) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Size returns the stored size of the blob in bytes.
func (s *EvidenceStore) Size(hash string) (int64, error) {
	if !validHash(hash) {
		return 0, errors.Newf(errors.ErrValidation, "invalid evidence hash %q", hash)
	}
	info, err := os.Stat(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Newf(errors.ErrNotFound, "evidence %s not found", hash)
		}
		return 0, errors.Storage("stat evidence", err)
	}
	return info.Size(), nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *EvidenceStore) Delete(hash string) error {
	if !validHash(hash) {
		return errors.Newf(errors.ErrValidation, "invalid evidence hash %q", hash)
	}
	p := s.path(hash)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Storage("delete evidence", err)
	}

	// Best effort; non-empty directories stay.
	dir := filepath.Dir(p)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// List returns every stored hash.
func (s *EvidenceStore) List() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !validHash(d.Name()) {
			return nil
		}
		hashes = append(hashes, d.Name())
		return nil
	})
	if err != nil {
		return nil, errors.Storage("list evidence", err)
	}
	return hashes, nil
}

// Verify rehashes every stored blob and returns the hashes whose content no
// longer matches.
func (s *EvidenceStore) Verify() ([]string, error) {
	hashes, err := s.List()
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, hash := range hashes {
		f, err := os.Open(s.path(hash))
		if err != nil {
			corrupted = append(corrupted, hash)
			continue
		}
		got, err := CalculateHashFromReader(f)
		f.Close()
		if err != nil || got != hash {
			corrupted = append(corrupted, hash)
		}
	}
	return corrupted, nil
}

func (s *EvidenceStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	return strings.IndexFunc(hash, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}

package layer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"drydock/pkg/config"
)

var (
	// ErrNotFound is returned by Get for a digest that was never committed.
	ErrNotFound = errors.New("layer not found")
	// ErrCorrupt is returned when the digest computed over the decompressed
	// blob does not match the digest the caller expected.
	ErrCorrupt = errors.New("layer digest mismatch")
)

var log = logrus.WithField("component", "layer")

// Layer describes one committed extraction.
type Layer struct {
	Digest        digest.Digest
	Size          int64
	Parent        digest.Digest
	ExtractedPath string
}

// Store is the content-addressed layer store. Each layer lives under
// layers/<hex>/ as the decompressed tar plus its extracted tree. A layer is
// committed by renaming a fully verified staging directory into place, so a
// partially written extraction is never visible under its digest.
//
// Concurrent Puts of the same digest collapse into a single extraction.
// Retain/Release hold in-memory references that protect an extraction from
// GC while an assembly or pull is reading it.
type Store struct {
	cfg *config.Config

	flight singleflight.Group

	mutex sync.Mutex
	refs  map[digest.Digest]int
}

func NewStore(cfg *config.Config) (*Store, error) {
	if err := os.MkdirAll(cfg.GetLayersDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create layers directory: %w", err)
	}
	if err := os.MkdirAll(cfg.GetTmpDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}

	return &Store{
		cfg:  cfg,
		refs: make(map[digest.Digest]int),
	}, nil
}

// Put decompresses the blob, verifies its content digest against expected
// and commits the extraction. It returns the verified digest. Calls for a
// digest already in the store return immediately without reading the blob.
//
// The blob may be gzip-compressed or a plain tar; the digest is always
// computed over the decompressed bytes.
func (s *Store) Put(ctx context.Context, expected digest.Digest, blob io.Reader) (digest.Digest, error) {
	if expected != "" && s.Has(expected) {
		return expected, nil
	}

	key := expected.String()
	resultCh := s.flight.DoChan(key, func() (interface{}, error) {
		return s.put(expected, blob)
	})

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(digest.Digest), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Import commits a blob whose digest is not known in advance, computing it
// from the decompressed content. Locally produced layers (builds, rootfs
// imports) enter the store through here.
func (s *Store) Import(blob io.Reader) (digest.Digest, error) {
	return s.put("", blob)
}

func (s *Store) put(expected digest.Digest, blob io.Reader) (digest.Digest, error) {
	// A concurrent flight may have committed while we queued.
	if expected != "" && s.Has(expected) {
		return expected, nil
	}

	staging, err := os.MkdirTemp(s.cfg.GetTmpDir(), "layer-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	decompressed, err := decompress(blob)
	if err != nil {
		return "", fmt.Errorf("failed to open layer blob: %w", err)
	}

	tarPath := filepath.Join(staging, "layer.tar")
	tarFile, err := os.Create(tarPath)
	if err != nil {
		return "", fmt.Errorf("failed to create staging tar: %w", err)
	}

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tarFile, digester.Hash()), decompressed)
	if closeErr := tarFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write layer tar: %w", err)
	}

	computed := digester.Digest()
	if expected != "" && computed != expected {
		return "", fmt.Errorf("expected %s, computed %s over %d bytes: %w",
			expected, computed, size, ErrCorrupt)
	}

	extractedDir := filepath.Join(staging, "extracted")
	if err := os.MkdirAll(extractedDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	tarReader, err := os.Open(tarPath)
	if err != nil {
		return "", fmt.Errorf("failed to reopen layer tar: %w", err)
	}
	defer tarReader.Close()

	if err := extractTar(tarReader, extractedDir); err != nil {
		return "", fmt.Errorf("failed to extract layer %s: %w", computed, err)
	}

	final := s.cfg.GetLayerDir(computed.Encoded())
	if err := os.Rename(staging, final); err != nil {
		// Another process committed the same digest first.
		if s.Has(computed) {
			return computed, nil
		}
		return "", fmt.Errorf("failed to commit layer %s: %w", computed, err)
	}

	log.WithFields(logrus.Fields{
		"digest": computed.String(),
		"size":   size,
	}).Debug("committed layer")

	return computed, nil
}

// Get returns the extracted tree for a committed digest.
func (s *Store) Get(d digest.Digest) (string, error) {
	extracted := s.cfg.GetLayerExtracted(d.Encoded())
	if _, err := os.Stat(extracted); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("layer %s: %w", d, ErrNotFound)
		}
		return "", fmt.Errorf("failed to stat layer %s: %w", d, err)
	}
	return extracted, nil
}

func (s *Store) Has(d digest.Digest) bool {
	_, err := os.Stat(s.cfg.GetLayerExtracted(d.Encoded()))
	return err == nil
}

// TarPath returns the decompressed tar for a committed digest, used when a
// layer is re-serialized for push or build.
func (s *Store) TarPath(d digest.Digest) (string, error) {
	tarPath := s.cfg.GetLayerTar(d.Encoded())
	if _, err := os.Stat(tarPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("layer %s: %w", d, ErrNotFound)
		}
		return "", fmt.Errorf("failed to stat layer tar %s: %w", d, err)
	}
	return tarPath, nil
}

// Info returns metadata for a committed layer. Parent is supplied by the
// caller since chain position is a property of the image, not the blob.
func (s *Store) Info(d, parent digest.Digest) (*Layer, error) {
	tarPath, err := s.TarPath(d)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(tarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat layer tar: %w", err)
	}
	return &Layer{
		Digest:        d,
		Size:          stat.Size(),
		Parent:        parent,
		ExtractedPath: s.cfg.GetLayerExtracted(d.Encoded()),
	}, nil
}

// Retain marks a digest as in use so GC will not sweep it. Every Retain
// must be paired with a Release.
func (s *Store) Retain(d digest.Digest) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.refs[d]++
}

func (s *Store) Release(d digest.Digest) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.refs[d] <= 1 {
		delete(s.refs, d)
		return
	}
	s.refs[d]--
}

// GC removes every committed layer whose digest is neither in the live set
// nor currently retained, and returns how many were removed. Live-set keys
// are full digest strings.
func (s *Store) GC(live map[string]struct{}) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries, err := os.ReadDir(s.cfg.GetLayersDir())
	if err != nil {
		return 0, fmt.Errorf("failed to read layers directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d := digest.NewDigestFromEncoded(digest.Canonical, entry.Name())
		if _, ok := live[d.String()]; ok {
			continue
		}
		if s.refs[d] > 0 {
			continue
		}
		if err := os.RemoveAll(s.cfg.GetLayerDir(entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove layer %s: %w", d, err)
		}
		log.WithField("digest", d.String()).Debug("swept unreferenced layer")
		removed++
	}

	return removed, nil
}

// DiskUsage sums the size of every committed layer tar.
func (s *Store) DiskUsage() (int64, int, error) {
	entries, err := os.ReadDir(s.cfg.GetLayersDir())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read layers directory: %w", err)
	}

	var total int64
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stat, err := os.Stat(s.cfg.GetLayerTar(entry.Name()))
		if err != nil {
			continue
		}
		total += stat.Size()
		count++
	}
	return total, count, nil
}

// decompress sniffs the gzip magic and returns a reader over the
// decompressed stream, or the original stream for a plain tar.
func decompress(blob io.Reader) (io.Reader, error) {
	buffered := bufio.NewReader(blob)
	magic, err := buffered.Peek(2)
	if err != nil {
		if err == io.EOF {
			return buffered, nil
		}
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	}
	return buffered, nil
}

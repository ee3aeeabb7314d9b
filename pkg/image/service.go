package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"drydock/pkg/config"
	"drydock/pkg/layer"
	"drydock/pkg/state"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "image")

var (
	// ErrNotFound means no local image matches the reference or id.
	ErrNotFound = errors.New("image not found")

	// ErrInUse means at least one container still references the image.
	ErrInUse = errors.New("image is in use")
)

// Metadata describes a locally stored image. The image id is the digest of
// its config blob, the same convention registries use.
type Metadata struct {
	ID             string    `json:"id"`
	Created        time.Time `json:"created"`
	Architecture   string    `json:"architecture"`
	OS             string    `json:"os"`
	Size           int64     `json:"size"`
	DiffIDs        []string  `json:"diffIds"`
	ManifestDigest string    `json:"manifestDigest,omitempty"`
}

// Summary is a Metadata plus the tags currently pointing at it.
type Summary struct {
	Metadata
	RepoTags []string `json:"repoTags"`
}

// Service stores images as a config blob, a manifest and a metadata record
// per image, with layer content held once in the shared layer store.
type Service struct {
	cfg    *config.Config
	store  *state.Store
	layers *layer.Store
}

func NewService(cfg *config.Config, store *state.Store, layers *layer.Store) (*Service, error) {
	if err := os.MkdirAll(cfg.GetImagesDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	return &Service{cfg: cfg, store: store, layers: layers}, nil
}

// Resolve turns a tag or an id prefix into a full image id.
func (s *Service) Resolve(refOrID string) (string, error) {
	if id, err := s.store.ResolveImageRef(NormalizeRef(refOrID)); err == nil {
		return id, nil
	}

	prefix := strings.TrimPrefix(refOrID, "sha256:")
	if prefix == "" {
		return "", fmt.Errorf("%s: %w", refOrID, ErrNotFound)
	}

	entries, err := os.ReadDir(s.cfg.GetImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", refOrID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read images directory: %w", err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			matches = append(matches, entry.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s: %w", refOrID, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("image id prefix %s is ambiguous (%d matches)", refOrID, len(matches))
	}
}

// Get returns the metadata for a tag or id prefix.
func (s *Service) Get(refOrID string) (*Metadata, error) {
	id, err := s.Resolve(refOrID)
	if err != nil {
		return nil, err
	}
	return s.GetByID(id)
}

// GetByID returns the metadata for a full image id.
func (s *Service) GetByID(id string) (*Metadata, error) {
	data, err := os.ReadFile(s.cfg.GetImageMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read image metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse image metadata: %w", err)
	}
	return &meta, nil
}

// Config returns the full OCI config for an image id.
func (s *Service) Config(id string) (*v1.ConfigFile, error) {
	data, err := os.ReadFile(s.cfg.GetImageConfig(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}

	configFile, err := v1.ParseConfigFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse image config: %w", err)
	}
	return configFile, nil
}

// List returns all local images, newest first, with their tags.
func (s *Service) List() ([]Summary, error) {
	metas, err := s.allMetadata()
	if err != nil {
		return nil, err
	}

	refs, err := s.store.ListImageRefs()
	if err != nil {
		return nil, err
	}
	tagsByID := make(map[string][]string)
	for ref, id := range refs {
		tagsByID[id] = append(tagsByID[id], ref)
	}

	summaries := make([]Summary, 0, len(metas))
	for _, meta := range metas {
		tags := tagsByID[meta.ID]
		sort.Strings(tags)
		summaries = append(summaries, Summary{Metadata: meta, RepoTags: tags})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Created.After(summaries[j].Created)
	})
	return summaries, nil
}

// Tag points an additional reference at an existing image.
func (s *Service) Tag(refOrID, newRef string) error {
	id, err := s.Resolve(refOrID)
	if err != nil {
		return err
	}
	normalized := NormalizeRef(newRef)
	if err := s.store.SetImageRef(normalized, id); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"image": shortID(id),
		"tag":   normalized,
	}).Debug("Image tagged")
	return nil
}

// RemoveResult reports what an image removal actually did.
type RemoveResult struct {
	Untagged    []string
	Deleted     string
	SweptLayers int
}

// Remove untags or deletes an image. Removing by tag while other tags remain
// only untags; deleting the image itself requires that no container uses it
// unless force is set. Unreferenced layers are swept afterwards.
func (s *Service) Remove(refOrID string, force bool) (*RemoveResult, error) {
	id, err := s.Resolve(refOrID)
	if err != nil {
		return nil, err
	}

	refs, err := s.store.RefsForImage(id)
	if err != nil {
		return nil, err
	}

	normalized := NormalizeRef(refOrID)
	byTag := false
	for _, ref := range refs {
		if ref == normalized {
			byTag = true
			break
		}
	}

	if byTag && len(refs) > 1 {
		if err := s.store.DeleteImageRef(normalized); err != nil {
			return nil, err
		}
		return &RemoveResult{Untagged: []string{normalized}}, nil
	}
	if !byTag && len(refs) > 1 && !force {
		return nil, fmt.Errorf("image %s is referenced by multiple tags %v", shortID(id), refs)
	}

	containers, err := s.store.ListContainers()
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		if c.ImageID == id && !force {
			return nil, fmt.Errorf("container %s references image %s: %w", c.Name, shortID(id), ErrInUse)
		}
	}

	result := &RemoveResult{Deleted: id}
	for _, ref := range refs {
		if err := s.store.DeleteImageRef(ref); err != nil {
			return nil, err
		}
		result.Untagged = append(result.Untagged, ref)
	}
	sort.Strings(result.Untagged)

	if err := os.RemoveAll(s.cfg.GetImageDir(id)); err != nil {
		return nil, fmt.Errorf("failed to remove image directory: %w", err)
	}

	swept, err := s.CollectGarbage()
	if err != nil {
		log.WithError(err).Warn("Layer sweep after image removal failed")
	}
	result.SweptLayers = swept

	log.WithFields(logrus.Fields{
		"image":  shortID(id),
		"layers": swept,
	}).Debug("Image removed")
	return result, nil
}

// CollectGarbage sweeps layers referenced by no image and no container.
func (s *Service) CollectGarbage() (int, error) {
	live := make(map[string]struct{})

	metas, err := s.allMetadata()
	if err != nil {
		return 0, err
	}
	for _, meta := range metas {
		for _, diffID := range meta.DiffIDs {
			live[diffID] = struct{}{}
		}
	}

	containers, err := s.store.ListContainers()
	if err != nil {
		return 0, err
	}
	for _, c := range containers {
		for _, l := range c.Layers {
			live[l] = struct{}{}
		}
	}

	return s.layers.GC(live)
}

// Write registers an image assembled locally from layers already committed
// to the layer store, and optionally tags it. The builder commits its results
// through here.
func (s *Service) Write(configFile *v1.ConfigFile, tag string) (*Metadata, error) {
	rawConfig, err := json.Marshal(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image config: %w", err)
	}
	id := digest.FromBytes(rawConfig).Encoded()

	diffIDs := make([]string, 0, len(configFile.RootFS.DiffIDs))
	descriptors := make([]ocispec.Descriptor, 0, len(configFile.RootFS.DiffIDs))
	var size int64
	for _, diffID := range configFile.RootFS.DiffIDs {
		info, err := s.layers.Info(digest.Digest(diffID.String()), "")
		if err != nil {
			return nil, fmt.Errorf("layer %s is not in the store: %w", diffID, err)
		}
		diffIDs = append(diffIDs, diffID.String())
		size += info.Size
		descriptors = append(descriptors, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayer,
			Digest:    info.Digest,
			Size:      info.Size,
		})
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.NewDigestFromEncoded(digest.Canonical, id),
			Size:      int64(len(rawConfig)),
		},
		Layers: descriptors,
	}
	rawManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	created := time.Now().UTC()
	if !configFile.Created.IsZero() {
		created = configFile.Created.Time
	}
	meta := &Metadata{
		ID:           id,
		Created:      created,
		Architecture: configFile.Architecture,
		OS:           configFile.OS,
		Size:         size,
		DiffIDs:      diffIDs,
	}

	if err := s.writeImageDir(id, rawManifest, rawConfig, meta); err != nil {
		return nil, err
	}

	if tag != "" {
		if err := s.store.SetImageRef(NormalizeRef(tag), id); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"image": shortID(id),
		"tag":   tag,
	}).Debug("Image written")
	return meta, nil
}

// ImportRootfs builds a single-layer image from a rootfs tarball. This is the
// bootstrap path for bases that never came from a registry.
func (s *Service) ImportRootfs(ctx context.Context, tarPath, tag string) (*Metadata, error) {
	file, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open rootfs tar: %w", err)
	}
	defer file.Close()

	diffID, err := s.layers.Import(file)
	if err != nil {
		return nil, fmt.Errorf("failed to import rootfs layer: %w", err)
	}

	hash, err := v1.NewHash(diffID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse layer digest: %w", err)
	}

	configFile := &v1.ConfigFile{
		Architecture: runtime.GOARCH,
		OS:           "linux",
		Created:      v1.Time{Time: time.Now().UTC()},
		RootFS:       v1.RootFS{Type: "layers", DiffIDs: []v1.Hash{hash}},
		Config:       v1.Config{Cmd: []string{"/bin/sh"}},
		History: []v1.History{{
			Created:   v1.Time{Time: time.Now().UTC()},
			CreatedBy: fmt.Sprintf("drydock import %s", filepath.Base(tarPath)),
		}},
	}
	return s.Write(configFile, tag)
}

func (s *Service) writeImageDir(id string, rawManifest, rawConfig []byte, meta *Metadata) error {
	dir := s.cfg.GetImageDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode image metadata: %w", err)
	}

	files := map[string][]byte{
		s.cfg.GetImageManifest(id): rawManifest,
		s.cfg.GetImageConfig(id):   rawConfig,
		s.cfg.GetImageMetadata(id): metaData,
	}
	for path, data := range files {
		if err := os.WriteFile(path, data, 0644); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

func (s *Service) allMetadata() ([]Metadata, error) {
	entries, err := os.ReadDir(s.cfg.GetImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read images directory: %w", err)
	}

	var metas []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.GetByID(entry.Name())
		if err != nil {
			log.WithField("image", entry.Name()).WithError(err).Warn("Skipping unreadable image")
			continue
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// NormalizeRef appends :latest to references that carry neither a tag nor a
// digest, mirroring what registries assume.
func NormalizeRef(ref string) string {
	if strings.Contains(ref, "@") {
		return ref
	}
	lastSlash := strings.LastIndex(ref, "/")
	if strings.Contains(ref[lastSlash+1:], ":") {
		return ref
	}
	return ref + ":latest"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

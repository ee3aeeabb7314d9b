package image

import (
	"context"
	"fmt"

	"drydock/pkg/metrics"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// Push uploads a local image to its registry. Layers are re-compressed from
// the stored tars, so the pushed manifest digest can differ from a previously
// pulled one even when the content is identical.
func (s *Service) Push(ctx context.Context, refString string) (string, error) {
	normalized := NormalizeRef(refString)
	timer := metrics.NewTimer(fmt.Sprintf("push %s", normalized))
	defer timer.Stop()

	id, err := s.Resolve(normalized)
	if err != nil {
		return "", err
	}
	configFile, err := s.Config(id)
	if err != nil {
		return "", err
	}

	ref, err := name.ParseReference(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %s: %w", refString, err)
	}

	img, err := s.assemble(configFile)
	if err != nil {
		return "", err
	}

	log.WithFields(logrus.Fields{
		"ref":   normalized,
		"image": shortID(id),
	}).Info("Pushing image")

	err = withRetry(ctx, fmt.Sprintf("push %s", normalized), func() error {
		return remote.Write(ref, img,
			remote.WithContext(ctx),
			remote.WithAuthFromKeychain(authn.DefaultKeychain),
		)
	})
	if err != nil {
		return "", fmt.Errorf("failed to push image %s: %w", normalized, err)
	}

	pushedDigest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to get pushed digest: %w", err)
	}

	log.WithFields(logrus.Fields{
		"ref":    normalized,
		"digest": pushedDigest.String(),
	}).Info("Image pushed")
	return pushedDigest.String(), nil
}

// assemble rebuilds a v1.Image from the layer store and the stored config.
func (s *Service) assemble(configFile *v1.ConfigFile) (v1.Image, error) {
	var adds []mutate.Addendum
	for _, h := range configFile.RootFS.DiffIDs {
		tarPath, err := s.layers.TarPath(digest.Digest(h.String()))
		if err != nil {
			return nil, err
		}
		l, err := tarball.LayerFromFile(tarPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open layer %s: %w", h, err)
		}
		adds = append(adds, mutate.Addendum{Layer: l})
	}

	img, err := mutate.Append(empty.Image, adds...)
	if err != nil {
		return nil, fmt.Errorf("failed to append layers: %w", err)
	}

	// graft the stored config onto the rebuilt image, keeping the rootfs
	// section mutate computed from the appended layers
	merged, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read rebuilt config: %w", err)
	}
	merged.Config = configFile.Config
	merged.Created = configFile.Created
	merged.Author = configFile.Author
	merged.Architecture = configFile.Architecture
	merged.OS = configFile.OS
	merged.History = configFile.History

	img, err = mutate.ConfigFile(img, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to set image config: %w", err)
	}
	return img, nil
}

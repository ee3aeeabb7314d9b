package image

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"drydock/pkg/layer"
	"drydock/pkg/metrics"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	pullAttempts  = 3
	retryInterval = 1 * time.Second
	pullWorkers   = 4
)

// Pull fetches an image for the host platform and commits its layers to the
// layer store, keyed by uncompressed digest. Layers already present are not
// downloaded again. The registry is always consulted so a moved tag is
// picked up.
func (s *Service) Pull(ctx context.Context, refString string) (*Metadata, error) {
	normalized := NormalizeRef(refString)
	timer := metrics.NewTimer(fmt.Sprintf("pull %s", normalized))
	defer timer.Stop()

	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %s: %w", refString, err)
	}

	platform := hostPlatform()
	log.WithFields(logrus.Fields{
		"ref":      normalized,
		"platform": platform.String(),
	}).Info("Pulling image")

	var img v1.Image
	err = withRetry(ctx, fmt.Sprintf("resolve %s", normalized), func() error {
		var err error
		img, err = remote.Image(ref,
			remote.WithContext(ctx),
			remote.WithPlatform(platform),
			remote.WithAuthFromKeychain(authn.DefaultKeychain),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", normalized, err)
	}

	configName, err := img.ConfigName()
	if err != nil {
		return nil, fmt.Errorf("failed to get image config digest: %w", err)
	}
	id := configName.Hex

	// re-pulling an image we already have only re-points the tag
	if meta, err := s.GetByID(id); err == nil {
		if err := s.store.SetImageRef(normalized, id); err != nil {
			return nil, err
		}
		log.WithField("image", shortID(id)).Info("Image is up to date")
		return meta, nil
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to get image config: %w", err)
	}
	rawConfig, err := img.RawConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw image config: %w", err)
	}
	rawManifest, err := img.RawManifest()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw manifest: %w", err)
	}
	manifestDigest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest digest: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("failed to get image layers: %w", err)
	}
	if len(layers) != len(configFile.RootFS.DiffIDs) {
		return nil, fmt.Errorf("manifest has %d layers but config lists %d diff ids",
			len(layers), len(configFile.RootFS.DiffIDs))
	}

	// retained so a concurrent sweep cannot remove layers mid-pull
	var retained []digest.Digest
	defer func() {
		for _, d := range retained {
			s.layers.Release(d)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(pullWorkers)
	for i := range layers {
		l := layers[i]
		diffID := digest.Digest(configFile.RootFS.DiffIDs[i].String())
		group.Go(func() error {
			return withRetry(groupCtx, fmt.Sprintf("fetch layer %s", diffID), func() error {
				if s.layers.Has(diffID) {
					return nil
				}
				blob, err := l.Compressed()
				if err != nil {
					return fmt.Errorf("failed to open layer blob: %w", err)
				}
				defer blob.Close()

				_, err = s.layers.Put(groupCtx, diffID, blob)
				return err
			})
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch layers for %s: %w", normalized, err)
	}

	var diffIDs []string
	var size int64
	for _, h := range configFile.RootFS.DiffIDs {
		d := digest.Digest(h.String())
		s.layers.Retain(d)
		retained = append(retained, d)

		info, err := s.layers.Info(d, "")
		if err != nil {
			return nil, fmt.Errorf("pulled layer %s missing from store: %w", d, err)
		}
		diffIDs = append(diffIDs, d.String())
		size += info.Size
	}

	meta := &Metadata{
		ID:             id,
		Created:        configFile.Created.Time,
		Architecture:   configFile.Architecture,
		OS:             configFile.OS,
		Size:           size,
		DiffIDs:        diffIDs,
		ManifestDigest: manifestDigest.String(),
	}
	if err := s.writeImageDir(id, rawManifest, rawConfig, meta); err != nil {
		return nil, err
	}
	if err := s.store.SetImageRef(normalized, id); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"ref":    normalized,
		"image":  shortID(id),
		"layers": len(diffIDs),
		"size":   size,
	}).Info("Image pulled")
	return meta, nil
}

// hostPlatform asks the registry for linux images matching the host
// architecture, since that is what the container will execute.
func hostPlatform() v1.Platform {
	return v1.Platform{OS: "linux", Architecture: runtime.GOARCH}
}

// withRetry runs fn up to pullAttempts times with a growing pause, for
// transient registry failures. fn must be safe to run again after a partial
// failure. A digest mismatch is corruption, not a transient failure, and
// fails the pull on the spot.
func withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= pullAttempts; attempt++ {
		if lastErr != nil {
			if errors.Is(lastErr, layer.ErrCorrupt) {
				return fmt.Errorf("%s: %w", what, lastErr)
			}
			log.WithFields(logrus.Fields{
				"operation": what,
				"attempt":   attempt,
			}).WithError(lastErr).Debug("Retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryInterval):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, pullAttempts, lastErr)
}

package config

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Config resolves every on-disk location the runtime uses. All state lives
// under a single storage root so that wiping one directory removes the
// whole installation.
type Config struct {
	Root string
}

func NewConfig() *Config {
	return &Config{Root: getStorageRoot()}
}

// NewConfigWithRoot is used by tests and by callers that manage their own
// storage location.
func NewConfigWithRoot(root string) *Config {
	return &Config{Root: root}
}

func getStorageRoot() string {
	if root := os.Getenv("DRYDOCK_ROOT"); root != "" {
		return root
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/drydock"
	}

	return filepath.Join(homeDir, ".drydock")
}

// LogLevel reads the DRYDOCK_LOG override. Unknown values fall back to info.
func LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("DRYDOCK_LOG"))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Ensure creates the storage subtrees. Called once at startup; individual
// accessors below are pure path math after that.
func (c *Config) Ensure() error {
	for _, dir := range []string{
		c.GetContainersDir(),
		c.GetImagesDir(),
		c.GetLayersDir(),
		c.GetVolumesDir(),
		c.GetTmpDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) GetContainersDir() string {
	return filepath.Join(c.Root, "containers")
}

func (c *Config) GetContainerDir(id string) string {
	return filepath.Join(c.GetContainersDir(), id)
}

func (c *Config) GetContainerRootfs(id string) string {
	return filepath.Join(c.GetContainerDir(id), "rootfs")
}

func (c *Config) GetContainerDiff(id string) string {
	return filepath.Join(c.GetContainerDir(id), "diff")
}

func (c *Config) GetContainerConfig(id string) string {
	return filepath.Join(c.GetContainerDir(id), "config.json")
}

func (c *Config) GetContainerState(id string) string {
	return filepath.Join(c.GetContainerDir(id), "state.json")
}

func (c *Config) GetContainerLog(id string) string {
	return filepath.Join(c.GetContainerDir(id), "container.log")
}

func (c *Config) GetContainerPid(id string) string {
	return filepath.Join(c.GetContainerDir(id), "container.pid")
}

func (c *Config) GetSandboxProfile(id string) string {
	return filepath.Join(c.GetContainerDir(id), "sandbox.sb")
}

func (c *Config) GetContainersIndex() string {
	return filepath.Join(c.Root, "containers.json")
}

func (c *Config) GetImagesDir() string {
	return filepath.Join(c.Root, "images")
}

func (c *Config) GetImageDir(id string) string {
	return filepath.Join(c.GetImagesDir(), id)
}

func (c *Config) GetImageManifest(id string) string {
	return filepath.Join(c.GetImageDir(id), "manifest.json")
}

func (c *Config) GetImageConfig(id string) string {
	return filepath.Join(c.GetImageDir(id), "config.json")
}

func (c *Config) GetImageMetadata(id string) string {
	return filepath.Join(c.GetImageDir(id), "metadata.json")
}

func (c *Config) GetImagesIndex() string {
	return filepath.Join(c.Root, "images.json")
}

// GetLayersDir holds one subdirectory per layer, keyed by the hex form of
// the digest of the decompressed layer tar.
func (c *Config) GetLayersDir() string {
	return filepath.Join(c.Root, "layers")
}

func (c *Config) GetLayerDir(digestHex string) string {
	return filepath.Join(c.GetLayersDir(), digestHex)
}

func (c *Config) GetLayerTar(digestHex string) string {
	return filepath.Join(c.GetLayerDir(digestHex), "layer.tar")
}

func (c *Config) GetLayerExtracted(digestHex string) string {
	return filepath.Join(c.GetLayerDir(digestHex), "extracted")
}

func (c *Config) GetVolumesDir() string {
	return filepath.Join(c.Root, "volumes")
}

func (c *Config) GetVolumeDir(name string) string {
	return filepath.Join(c.GetVolumesDir(), name)
}

func (c *Config) GetVolumeData(name string) string {
	return filepath.Join(c.GetVolumeDir(name), "_data")
}

func (c *Config) GetVolumeConfig(name string) string {
	return filepath.Join(c.GetVolumeDir(name), "volume.json")
}

func (c *Config) GetTmpDir() string {
	return filepath.Join(c.Root, "tmp")
}

// GetBuildCacheFile is the step cache index for the build engine.
func (c *Config) GetBuildCacheFile() string {
	return filepath.Join(c.Root, "build-cache.json")
}

package volume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"drydock/pkg/config"
	"drydock/pkg/state"
)

var (
	// ErrNotFound is returned for volumes that were never created.
	ErrNotFound = errors.New("volume not found")
	// ErrExists is returned by Create when the name is taken.
	ErrExists = errors.New("volume already exists")
	// ErrInUse is returned by Remove while a container references the volume.
	ErrInUse = errors.New("volume is in use")
)

var log = logrus.WithField("component", "volume")

// Volume is a named persistent directory that lives outside every container
// rootfs. Its lifetime is independent of the containers that mount it.
type Volume struct {
	Name       string            `json:"Name"`
	Driver     string            `json:"Driver"`
	Mountpoint string            `json:"Mountpoint"`
	CreatedAt  time.Time         `json:"CreatedAt"`
	Labels     map[string]string `json:"Labels"`
	Scope      string            `json:"Scope"`
}

type Manager struct {
	cfg   *config.Config
	store *state.Store
}

func NewManager(cfg *config.Config, store *state.Store) (*Manager, error) {
	if err := os.MkdirAll(cfg.GetVolumesDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}
	return &Manager{cfg: cfg, store: store}, nil
}

func (m *Manager) Create(name string) (*Volume, error) {
	if _, err := os.Stat(m.cfg.GetVolumeDir(name)); err == nil {
		return nil, fmt.Errorf("volume %s: %w", name, ErrExists)
	}

	vol := &Volume{
		Name:       name,
		Driver:     "local",
		Mountpoint: m.cfg.GetVolumeData(name),
		CreatedAt:  time.Now(),
		Labels:     map[string]string{},
		Scope:      "local",
	}

	if err := os.MkdirAll(vol.Mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volume data directory: %w", err)
	}
	if err := m.save(vol); err != nil {
		os.RemoveAll(m.cfg.GetVolumeDir(name))
		return nil, err
	}

	log.WithField("volume", name).Debug("created volume")
	return vol, nil
}

func (m *Manager) save(vol *Volume) error {
	data, err := json.MarshalIndent(vol, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal volume config: %w", err)
	}
	if err := os.WriteFile(m.cfg.GetVolumeConfig(vol.Name), data, 0644); err != nil {
		return fmt.Errorf("failed to write volume config: %w", err)
	}
	return nil
}

// EnsureExists creates the volume if missing. run -v uses it so that named
// volumes referenced on the command line come into existence before mount
// resolution, which itself never creates anything.
func (m *Manager) EnsureExists(name string) (*Volume, error) {
	vol, err := m.Get(name)
	if err == nil {
		return vol, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return m.Create(name)
}

func (m *Manager) Get(name string) (*Volume, error) {
	data, err := os.ReadFile(m.cfg.GetVolumeConfig(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("volume %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read volume config: %w", err)
	}

	var vol Volume
	if err := json.Unmarshal(data, &vol); err != nil {
		return nil, fmt.Errorf("failed to unmarshal volume config: %w", err)
	}
	return &vol, nil
}

func (m *Manager) List() ([]Volume, error) {
	entries, err := os.ReadDir(m.cfg.GetVolumesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read volumes directory: %w", err)
	}

	var volumes []Volume
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		vol, err := m.Get(entry.Name())
		if err != nil {
			continue
		}
		volumes = append(volumes, *vol)
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name < volumes[j].Name })
	return volumes, nil
}

func (m *Manager) Remove(name string) error {
	if _, err := m.Get(name); err != nil {
		return err
	}

	inUse, err := m.InUse(name)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("volume %s: %w", name, ErrInUse)
	}

	if err := os.RemoveAll(m.cfg.GetVolumeDir(name)); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}

	log.WithField("volume", name).Debug("removed volume")
	return nil
}

// Prune removes every volume no container references and returns their names.
func (m *Manager) Prune() ([]string, error) {
	volumes, err := m.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, vol := range volumes {
		inUse, err := m.InUse(vol.Name)
		if err != nil {
			return removed, err
		}
		if inUse {
			continue
		}
		if err := os.RemoveAll(m.cfg.GetVolumeDir(vol.Name)); err != nil {
			return removed, fmt.Errorf("failed to remove volume %s: %w", vol.Name, err)
		}
		removed = append(removed, vol.Name)
	}
	return removed, nil
}

// InUse reports whether any container record references the volume.
func (m *Manager) InUse(name string) (bool, error) {
	records, err := m.store.ListContainers()
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, record := range records {
		for _, volName := range record.Volumes {
			if volName == name {
				return true, nil
			}
		}
	}
	return false, nil
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"drydock/pkg/config"
)

// ErrNotFound is returned for lookups of containers or image refs that were
// never registered or have been removed.
var ErrNotFound = errors.New("not found")

// Container statuses as persisted in state.json and shown by ps.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusExited  = "exited"
)

// ContainerRecord is the durable description of a container, written at
// create time and immutable afterwards.
type ContainerRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ImageID    string    `json:"imageId"`
	ImageRef   string    `json:"imageRef"`
	Path       string    `json:"path"`
	Args       []string  `json:"args"`
	Env        []string  `json:"env"`
	WorkingDir string    `json:"workingDir"`
	// Layers pins the image's layer stack at create time so the container
	// outlives removal of the image it came from.
	Layers     []string  `json:"layers"`
	Mounts     []string  `json:"mounts"`
	Volumes    []string  `json:"volumes"`
	AutoRemove bool      `json:"autoRemove,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ContainerState is the mutable runtime half, one state.json per container.
type ContainerState struct {
	Status     string    `json:"status"`
	Pid        int       `json:"pid"`
	ExitCode   int       `json:"exitCode"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Store persists container records, per-container runtime state and the
// image ref index as JSON files under the storage root. All methods are
// safe for concurrent use within one process; cross-process writers are
// serialized per command invocation.
type Store struct {
	cfg   *config.Config
	mutex sync.RWMutex
}

func NewStore(cfg *config.Config) (*Store, error) {
	return &Store{cfg: cfg}, nil
}

func (s *Store) AddContainer(record ContainerRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	containers, err := s.loadContainers()
	if err != nil {
		return fmt.Errorf("failed to load containers: %w", err)
	}

	containers[record.ID] = record

	if err := s.saveContainers(containers); err != nil {
		return fmt.Errorf("failed to save containers: %w", err)
	}

	return nil
}

// GetContainer looks up a record by exact id.
func (s *Store) GetContainer(id string) (*ContainerRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	containers, err := s.loadContainers()
	if err != nil {
		return nil, fmt.Errorf("failed to load containers: %w", err)
	}

	record, ok := containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return &record, nil
}

// ResolveContainer accepts an exact id, a container name, or a unique id
// prefix, in that order of precedence.
func (s *Store) ResolveContainer(ref string) (*ContainerRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	containers, err := s.loadContainers()
	if err != nil {
		return nil, fmt.Errorf("failed to load containers: %w", err)
	}

	if record, ok := containers[ref]; ok {
		return &record, nil
	}

	for _, record := range containers {
		if record.Name == ref {
			return &record, nil
		}
	}

	var match *ContainerRecord
	for id := range containers {
		if len(ref) >= 2 && len(id) > len(ref) && id[:len(ref)] == ref {
			if match != nil {
				return nil, fmt.Errorf("container id prefix %s is ambiguous", ref)
			}
			record := containers[id]
			match = &record
		}
	}
	if match != nil {
		return match, nil
	}

	return nil, fmt.Errorf("container %s: %w", ref, ErrNotFound)
}

func (s *Store) RemoveContainer(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	containers, err := s.loadContainers()
	if err != nil {
		return fmt.Errorf("failed to load containers: %w", err)
	}

	if _, ok := containers[id]; !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	delete(containers, id)

	if err := s.saveContainers(containers); err != nil {
		return fmt.Errorf("failed to save containers: %w", err)
	}

	return nil
}

func (s *Store) ListContainers() ([]ContainerRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	containers, err := s.loadContainers()
	if err != nil {
		return nil, fmt.Errorf("failed to load containers: %w", err)
	}

	records := make([]ContainerRecord, 0, len(containers))
	for _, record := range containers {
		records = append(records, record)
	}
	return records, nil
}

// NameInUse reports whether a container name is already taken.
func (s *Store) NameInUse(name string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	containers, err := s.loadContainers()
	if err != nil {
		return false, fmt.Errorf("failed to load containers: %w", err)
	}

	for _, record := range containers {
		if record.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SaveContainerState(id string, st ContainerState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal container state: %w", err)
	}

	if err := os.WriteFile(s.cfg.GetContainerState(id), data, 0644); err != nil {
		return fmt.Errorf("failed to write container state: %w", err)
	}

	return nil
}

func (s *Store) LoadContainerState(id string) (*ContainerState, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := os.ReadFile(s.cfg.GetContainerState(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("container %s state: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read container state: %w", err)
	}

	var st ContainerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal container state: %w", err)
	}

	return &st, nil
}

// SetImageRef registers or re-points a repo:tag reference at an image id.
func (s *Store) SetImageRef(ref, imageID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, err := s.loadImageRefs()
	if err != nil {
		return fmt.Errorf("failed to load image refs: %w", err)
	}

	refs[ref] = imageID

	if err := s.saveImageRefs(refs); err != nil {
		return fmt.Errorf("failed to save image refs: %w", err)
	}

	return nil
}

func (s *Store) ResolveImageRef(ref string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	refs, err := s.loadImageRefs()
	if err != nil {
		return "", fmt.Errorf("failed to load image refs: %w", err)
	}

	id, ok := refs[ref]
	if !ok {
		return "", fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}
	return id, nil
}

func (s *Store) DeleteImageRef(ref string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, err := s.loadImageRefs()
	if err != nil {
		return fmt.Errorf("failed to load image refs: %w", err)
	}

	if _, ok := refs[ref]; !ok {
		return fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}
	delete(refs, ref)

	if err := s.saveImageRefs(refs); err != nil {
		return fmt.Errorf("failed to save image refs: %w", err)
	}

	return nil
}

func (s *Store) ListImageRefs() (map[string]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.loadImageRefs()
}

// RefsForImage returns every tag pointing at the given image id.
func (s *Store) RefsForImage(imageID string) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	refs, err := s.loadImageRefs()
	if err != nil {
		return nil, fmt.Errorf("failed to load image refs: %w", err)
	}

	var matched []string
	for ref, id := range refs {
		if id == imageID {
			matched = append(matched, ref)
		}
	}
	return matched, nil
}

func (s *Store) loadContainers() (map[string]ContainerRecord, error) {
	containers := make(map[string]ContainerRecord)

	data, err := os.ReadFile(s.cfg.GetContainersIndex())
	if err != nil {
		if os.IsNotExist(err) {
			return containers, nil
		}
		return nil, fmt.Errorf("failed to read containers index: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &containers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal containers index: %w", err)
		}
	}

	return containers, nil
}

func (s *Store) saveContainers(containers map[string]ContainerRecord) error {
	data, err := json.MarshalIndent(containers, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal containers index: %w", err)
	}

	if err := os.WriteFile(s.cfg.GetContainersIndex(), data, 0644); err != nil {
		return fmt.Errorf("failed to write containers index: %w", err)
	}

	return nil
}

func (s *Store) loadImageRefs() (map[string]string, error) {
	refs := make(map[string]string)

	data, err := os.ReadFile(s.cfg.GetImagesIndex())
	if err != nil {
		if os.IsNotExist(err) {
			return refs, nil
		}
		return nil, fmt.Errorf("failed to read images index: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &refs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal images index: %w", err)
		}
	}

	return refs, nil
}

func (s *Store) saveImageRefs(refs map[string]string) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal images index: %w", err)
	}

	if err := os.WriteFile(s.cfg.GetImagesIndex(), data, 0644); err != nil {
		return fmt.Errorf("failed to write images index: %w", err)
	}

	return nil
}

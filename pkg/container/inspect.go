package container

import (
	"fmt"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"drydock/pkg/mount"
	"drydock/pkg/state"
)

// InspectData mirrors the docker inspect layout closely enough that tooling
// reading the usual fields keeps working.
type InspectData struct {
	ID         string            `json:"Id"`
	Name       string            `json:"Name"`
	Created    time.Time         `json:"Created"`
	Path       string            `json:"Path"`
	Args       []string          `json:"Args"`
	State      InspectState      `json:"State"`
	Image      string            `json:"Image"`
	Driver     string            `json:"Driver"`
	LogPath    string            `json:"LogPath"`
	RootFS     string            `json:"RootFS"`
	Config     InspectConfig     `json:"Config"`
	HostConfig InspectHostConfig `json:"HostConfig"`
	Mounts     []InspectMount    `json:"Mounts"`
}

type InspectState struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	Pid        int    `json:"Pid"`
	ExitCode   int    `json:"ExitCode"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

type InspectConfig struct {
	Hostname   string            `json:"Hostname"`
	User       string            `json:"User"`
	Env        []string          `json:"Env"`
	Cmd        []string          `json:"Cmd"`
	Entrypoint []string          `json:"Entrypoint"`
	WorkingDir string            `json:"WorkingDir"`
	Image      string            `json:"Image"`
	Labels     map[string]string `json:"Labels"`
}

type InspectHostConfig struct {
	Binds       []string `json:"Binds"`
	AutoRemove  bool     `json:"AutoRemove"`
	Privileged  bool     `json:"Privileged"`
	NetworkMode string   `json:"NetworkMode"`
	Isolation   string   `json:"Isolation,omitempty"`
}

type InspectMount struct {
	Type        string `json:"Type"`
	Name        string `json:"Name,omitempty"`
	Source      string `json:"Source"`
	Destination string `json:"Destination"`
	RW          bool   `json:"RW"`
}

// Inspect returns the full view of one container, reconciling runtime state
// with the live process table first.
func (m *Manager) Inspect(refOrID string) (*InspectData, error) {
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return nil, err
	}
	st, err := m.sup.Refresh(record.ID)
	if err != nil {
		return nil, err
	}
	containerConfig, err := m.loadConfig(record.ID)
	if err != nil {
		return nil, err
	}

	mounts := make([]InspectMount, 0, len(record.Mounts))
	for _, raw := range record.Mounts {
		spec, err := mount.ParseSpec(raw)
		if err != nil {
			continue
		}
		im := InspectMount{Destination: spec.Destination, RW: !spec.ReadOnly}
		if spec.IsNamedVolume() {
			im.Type = "volume"
			im.Name = spec.Source
			im.Source = m.cfg.GetVolumeData(spec.Source)
		} else {
			im.Type = "bind"
			im.Source = spec.Source
		}
		mounts = append(mounts, im)
	}

	return &InspectData{
		ID:      record.ID,
		Name:    "/" + record.Name,
		Created: record.CreatedAt,
		Path:    record.Path,
		Args:    record.Args,
		State: InspectState{
			Status:     st.Status,
			Running:    st.Status == state.StatusRunning,
			Pid:        st.Pid,
			ExitCode:   st.ExitCode,
			StartedAt:  formatInspectTime(st.StartedAt),
			FinishedAt: formatInspectTime(st.FinishedAt),
		},
		Image:   "sha256:" + record.ImageID,
		Driver:  "drydock",
		LogPath: m.cfg.GetContainerLog(record.ID),
		RootFS:  m.cfg.GetContainerRootfs(record.ID),
		Config: InspectConfig{
			Hostname:   containerConfig.Hostname,
			User:       containerConfig.User,
			Env:        record.Env,
			Cmd:        containerConfig.Cmd,
			Entrypoint: containerConfig.Entrypoint,
			WorkingDir: record.WorkingDir,
			Image:      record.ImageRef,
			Labels:     containerConfig.Labels,
		},
		HostConfig: InspectHostConfig{
			Binds:       record.Mounts,
			AutoRemove:  record.AutoRemove,
			Privileged:  containerConfig.Privileged,
			NetworkMode: "host",
			Isolation:   containerConfig.Isolation,
		},
		Mounts: mounts,
	}, nil
}

func formatInspectTime(t time.Time) string {
	if t.IsZero() {
		return "0001-01-01T00:00:00Z"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Summary is one ps row.
type Summary struct {
	ID      string
	Image   string
	Command string
	Created time.Time
	Status  string
	Name    string
	Mounts  []string
}

// List returns containers newest first. Without all only running containers
// are included. Each container's state is reconciled before filtering so ps
// never shows a running container whose process is gone.
func (m *Manager) List(all bool) ([]Summary, error) {
	records, err := m.store.ListContainers()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(records))
	for _, record := range records {
		st, err := m.sup.Refresh(record.ID)
		if err != nil {
			log.WithField("container", shortID(record.ID)).WithError(err).Warn("Skipping container with unreadable state")
			continue
		}
		if !all && st.Status != state.StatusRunning {
			continue
		}
		summaries = append(summaries, Summary{
			ID:      record.ID,
			Image:   record.ImageRef,
			Command: strings.Join(append([]string{record.Path}, record.Args...), " "),
			Created: record.CreatedAt,
			Status:  statusString(st),
			Name:    record.Name,
			Mounts:  record.Volumes,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Created.After(summaries[j].Created)
	})
	return summaries, nil
}

// statusString renders the docker ps status column.
func statusString(st *state.ContainerState) string {
	switch st.Status {
	case state.StatusRunning:
		return "Up " + units.HumanDuration(time.Since(st.StartedAt))
	case state.StatusExited:
		return fmt.Sprintf("Exited (%d) %s ago", st.ExitCode, units.HumanDuration(time.Since(st.FinishedAt)))
	default:
		return "Created"
	}
}

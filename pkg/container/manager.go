package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"drydock/pkg/config"
	"drydock/pkg/image"
	"drydock/pkg/layer"
	"drydock/pkg/metrics"
	"drydock/pkg/mount"
	"drydock/pkg/rootfs"
	"drydock/pkg/sandbox"
	"drydock/pkg/state"
	"drydock/pkg/supervisor"
	"drydock/pkg/volume"
)

var log = logrus.WithField("component", "container")

var (
	// ErrRunning is returned when an operation needs the container stopped.
	ErrRunning = errors.New("container is running")

	// ErrNotRunning is returned when an operation needs the container running.
	ErrNotRunning = supervisor.ErrNotRunning
)

// defaultPath is injected when neither the image nor the caller sets PATH.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

const killWaitTimeout = 3 * time.Second

// Manager owns the container lifecycle: created, running, exited. It wires
// the image service, rootfs assembly, mount resolution and the process
// supervisor together and serializes state transitions per container id.
type Manager struct {
	cfg       *config.Config
	store     *state.Store
	images    *image.Service
	layers    *layer.Store
	assembler *rootfs.Assembler
	volumes   *volume.Manager
	resolver  *mount.Resolver
	sup       *supervisor.Supervisor
	metrics   *metrics.Metrics

	locksMutex sync.Mutex
	locks      map[string]*sync.Mutex
}

func NewManager(cfg *config.Config) (*Manager, error) {
	if err := cfg.Ensure(); err != nil {
		return nil, fmt.Errorf("failed to prepare storage root: %w", err)
	}
	store, err := state.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	layers, err := layer.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize layer store: %w", err)
	}
	images, err := image.NewService(cfg, store, layers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image service: %w", err)
	}
	assembler, err := rootfs.NewAssembler(cfg, layers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rootfs assembler: %w", err)
	}
	volumes, err := volume.NewManager(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize volume manager: %w", err)
	}

	return &Manager{
		cfg:       cfg,
		store:     store,
		images:    images,
		layers:    layers,
		assembler: assembler,
		volumes:   volumes,
		resolver:  mount.NewResolver(volumes),
		sup:       supervisor.NewSupervisor(cfg, store),
		metrics:   metrics.NewMetrics(),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Sub-services for callers that operate on images or volumes directly.
func (m *Manager) Images() *image.Service             { return m.images }
func (m *Manager) Volumes() *volume.Manager           { return m.volumes }
func (m *Manager) Layers() *layer.Store               { return m.layers }
func (m *Manager) Supervisor() *supervisor.Supervisor { return m.sup }
func (m *Manager) Store() *state.Store                { return m.store }

// lock serializes lifecycle transitions for one container id. Distinct
// containers proceed in parallel. The returned func releases the lock.
func (m *Manager) lock(id string) func() {
	m.locksMutex.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMutex.Unlock()

	l.Lock()
	return l.Unlock
}

// dropLock retires the registry entry for a removed container. An entry
// whose mutex is still held stays in place, otherwise a concurrent caller
// could mint a second mutex for the same id and defeat the serialization.
func (m *Manager) dropLock(id string) {
	m.locksMutex.Lock()
	defer m.locksMutex.Unlock()
	if l, ok := m.locks[id]; ok && l.TryLock() {
		l.Unlock()
		delete(m.locks, id)
	}
}

// Resolve maps a name or id prefix to the container record.
func (m *Manager) Resolve(refOrID string) (*state.ContainerRecord, error) {
	return m.store.ResolveContainer(refOrID)
}

// CreateOptions carries everything run and create accept.
type CreateOptions struct {
	Image      string
	Name       string
	Command    []string
	Entrypoint []string
	Env        []string
	WorkingDir string
	User       string
	Mounts     []string
	AutoRemove bool
	Privileged bool

	// Isolation picks the boundary: "" or "auto", "chroot", "pseudo",
	// "strict". Strict additionally denies network access where the
	// platform boundary can express that.
	Isolation string
}

// Config is the immutable per-container snapshot written at create time,
// holding the pieces of the image config and create options that later
// operations need but the record does not carry.
type Config struct {
	Hostname   string            `json:"hostname"`
	User       string            `json:"user,omitempty"`
	Privileged bool              `json:"privileged,omitempty"`
	Isolation  string            `json:"isolation,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Create materializes a container from an image: assembles its rootfs from
// the layer stack, grafts the requested mounts and registers the records.
// The image is pulled when not present locally.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*state.ContainerRecord, error) {
	timer := metrics.NewTimer(fmt.Sprintf("create %s", opts.Image))
	defer timer.Stop()

	switch opts.Isolation {
	case "", "auto", "chroot", "pseudo", "strict":
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", opts.Isolation)
	}

	meta, err := m.images.Get(opts.Image)
	if err != nil {
		if !errors.Is(err, image.ErrNotFound) {
			return nil, err
		}
		log.WithField("image", opts.Image).Info("Image not found locally, pulling")
		meta, err = m.images.Pull(ctx, opts.Image)
		if err != nil {
			return nil, err
		}
	}
	imgConfig, err := m.images.Config(meta.ID)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		if name, err = m.pickName(); err != nil {
			return nil, err
		}
	} else {
		inUse, err := m.store.NameInUse(name)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, fmt.Errorf("container name %q is already in use", name)
		}
	}

	id := digest.FromString(uuid.New().String()).Encoded()

	// Docker's merge rules: overriding the entrypoint discards the image
	// cmd, a command override replaces the image cmd.
	entrypoint := imgConfig.Config.Entrypoint
	cmd := imgConfig.Config.Cmd
	if len(opts.Entrypoint) > 0 {
		entrypoint = opts.Entrypoint
		cmd = nil
	}
	if len(opts.Command) > 0 {
		cmd = opts.Command
	}
	argv := append(append([]string{}, entrypoint...), cmd...)
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command specified and image %s has none", opts.Image)
	}

	workingDir := imgConfig.Config.WorkingDir
	if opts.WorkingDir != "" {
		workingDir = opts.WorkingDir
	}
	if workingDir == "" {
		workingDir = "/"
	}
	user := imgConfig.Config.User
	if opts.User != "" {
		user = opts.User
	}

	specs := make([]mount.Spec, 0, len(opts.Mounts))
	var volumeNames []string
	for _, raw := range opts.Mounts {
		spec, err := mount.ParseSpec(raw)
		if err != nil {
			return nil, err
		}
		if spec.IsNamedVolume() {
			if _, err := m.volumes.EnsureExists(spec.Source); err != nil {
				return nil, err
			}
			volumeNames = append(volumeNames, spec.Source)
		}
		specs = append(specs, spec)
	}

	rootfsPath, err := m.assembler.Assemble(id, toDigests(meta.DiffIDs))
	if err != nil {
		return nil, err
	}
	rollback := func() {
		if err := m.assembler.Teardown(id); err != nil {
			log.WithField("container", shortID(id)).WithError(err).Warn("Rollback teardown failed")
		}
		os.RemoveAll(m.cfg.GetContainerDir(id))
	}

	actives, err := m.resolver.Resolve(id, specs, rootfsPath)
	if err != nil {
		rollback()
		return nil, err
	}
	// Grafted now so the filesystem is complete while the container is
	// still in created; Start refreshes them against the chosen boundary.
	if err := mount.Apply(actives, true); err != nil {
		rollback()
		return nil, err
	}

	containerConfig := &Config{
		Hostname:   shortID(id),
		User:       user,
		Privileged: opts.Privileged,
		Isolation:  opts.Isolation,
		Entrypoint: entrypoint,
		Cmd:        cmd,
		Labels:     imgConfig.Config.Labels,
	}
	if err := m.saveConfig(id, containerConfig); err != nil {
		rollback()
		return nil, err
	}

	record := state.ContainerRecord{
		ID:         id,
		Name:       name,
		ImageID:    meta.ID,
		ImageRef:   image.NormalizeRef(opts.Image),
		Path:       argv[0],
		Args:       argv[1:],
		Env:        mergeEnv(imgConfig.Config.Env, opts.Env),
		WorkingDir: workingDir,
		Layers:     append([]string{}, meta.DiffIDs...),
		Mounts:     append([]string{}, opts.Mounts...),
		Volumes:    volumeNames,
		AutoRemove: opts.AutoRemove,
		CreatedAt:  time.Now(),
	}
	if err := m.store.SaveContainerState(id, state.ContainerState{Status: state.StatusCreated}); err != nil {
		rollback()
		return nil, err
	}
	if err := m.store.AddContainer(record); err != nil {
		rollback()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"container": shortID(id),
		"name":      name,
		"image":     record.ImageRef,
	}).Info("Container created")
	return &record, nil
}

func (m *Manager) pickName() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		name := randomName(attempt)
		inUse, err := m.store.NameInUse(name)
		if err != nil {
			return "", err
		}
		if !inUse {
			return name, nil
		}
	}
	return "", fmt.Errorf("failed to generate an unused container name")
}

// StartOptions controls how a start attaches to the process.
type StartOptions struct {
	// Attach blocks until the process exits and wires the caller's streams
	// to it. Without it the container runs detached.
	Attach      bool
	Interactive bool
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// Start transitions a created or exited container to running. Attached
// starts return the process exit code; detached starts return 0 as soon as
// the process is launched.
func (m *Manager) Start(ctx context.Context, refOrID string, opts StartOptions) (int, error) {
	started := time.Now()
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return 0, err
	}

	unlock := m.lock(record.ID)
	st, err := m.sup.Refresh(record.ID)
	if err != nil {
		unlock()
		return 0, err
	}
	if st.Status == state.StatusRunning {
		unlock()
		return 0, fmt.Errorf("container %s: %w", record.Name, ErrRunning)
	}

	proc, err := m.launch(ctx, record, opts)
	if err != nil {
		unlock()
		return 0, err
	}
	m.metrics.RecordOperation("start", started)

	if !opts.Attach {
		err := proc.Detach()
		unlock()
		return 0, err
	}

	// The lock covers the transition only; the wait happens outside it so
	// stop and kill can act on the running container.
	unlock()
	code, err := proc.Wait(ctx)
	if err != nil {
		return code, err
	}
	if record.AutoRemove {
		if rmErr := m.Remove(ctx, record.ID, false, false); rmErr != nil {
			log.WithField("container", shortID(record.ID)).WithError(rmErr).Warn("Auto-remove failed")
		}
	}
	return code, nil
}

// launch assembles the runtime pieces for the main process: fresh mount
// grafts, the environment the process sees and the isolation boundary.
func (m *Manager) launch(ctx context.Context, record *state.ContainerRecord, opts StartOptions) (*supervisor.Process, error) {
	containerConfig, err := m.loadConfig(record.ID)
	if err != nil {
		return nil, err
	}
	rootfsPath := m.cfg.GetContainerRootfs(record.ID)
	if _, err := os.Stat(rootfsPath); err != nil {
		return nil, fmt.Errorf("container rootfs is missing: %w", err)
	}

	specs, err := parseSpecs(record.Mounts)
	if err != nil {
		return nil, err
	}
	actives, err := m.resolver.Resolve(record.ID, specs, rootfsPath)
	if err != nil {
		return nil, err
	}

	boundary, err := sandbox.NewBoundary(sandbox.Options{
		RootfsPath:  rootfsPath,
		WorkingDir:  record.WorkingDir,
		Env:         runtimeEnv(record.Env, record.ID),
		User:        containerConfig.User,
		Privileged:  containerConfig.Privileged,
		Mounts:      actives,
		ProfilePath: m.cfg.GetSandboxProfile(record.ID),
		Strict:      containerConfig.Isolation == "strict",
		Mechanism:   containerConfig.Isolation,
	})
	if err != nil {
		return nil, err
	}

	// Re-graft so read-only copies pick up source changes since create,
	// and so enforcement matches what this boundary can do.
	if err := mount.Apply(actives, !boundary.EnforcesReadOnly()); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"container": shortID(record.ID),
		"boundary":  boundary.Describe(),
	}).Debug("Starting container process")

	return m.sup.Start(ctx, supervisor.StartSpec{
		ContainerID: record.ID,
		Program:     record.Path,
		Args:        record.Args,
		Boundary:    boundary,
		Detach:      !opts.Attach,
		Interactive: opts.Interactive,
		Stdin:       opts.Stdin,
		Stdout:      opts.Stdout,
		Stderr:      opts.Stderr,
	})
}

// Run is create followed by start. It returns the container id along with
// the exit code of a foreground run.
func (m *Manager) Run(ctx context.Context, createOpts CreateOptions, startOpts StartOptions) (string, int, error) {
	record, err := m.Create(ctx, createOpts)
	if err != nil {
		return "", 0, err
	}
	code, err := m.Start(ctx, record.ID, startOpts)
	return record.ID, code, err
}

// Stop gracefully stops a running container: SIGTERM, a grace period, then
// SIGKILL. The writable layer is synced from the rootfs afterwards so the
// next start sees the container's own modifications.
func (m *Manager) Stop(ctx context.Context, refOrID string, grace time.Duration) error {
	return m.stop(ctx, refOrID, grace, true)
}

func (m *Manager) stop(ctx context.Context, refOrID string, grace time.Duration, honorAutoRemove bool) error {
	started := time.Now()
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return err
	}

	// Registered before the lock so it fires after the unlock below;
	// retiring the registry entry while the mutex is held would let a
	// concurrent caller mint a second mutex for the same id.
	removed := false
	defer func() {
		if removed {
			m.dropLock(record.ID)
		}
	}()
	unlock := m.lock(record.ID)
	defer unlock()

	st, err := m.sup.Refresh(record.ID)
	if err != nil {
		return err
	}
	if st.Status != state.StatusRunning {
		return fmt.Errorf("container %s: %w", record.Name, ErrNotRunning)
	}

	code, err := m.sup.Stop(ctx, record.ID, grace)
	if err != nil {
		return err
	}
	m.metrics.RecordOperation("stop", started)
	if err := m.syncDiff(record); err != nil {
		log.WithField("container", shortID(record.ID)).WithError(err).Warn("Writable layer sync failed")
	}

	log.WithFields(logrus.Fields{
		"container": shortID(record.ID),
		"exitCode":  code,
	}).Info("Container stopped")

	if honorAutoRemove && record.AutoRemove {
		if err := m.removeLocked(ctx, record, false, false); err != nil {
			return err
		}
		removed = true
	}
	return nil
}

// Kill delivers a signal to a running container without a grace period.
// When the signal is SIGKILL the exit is recorded with the conventional
// 128+9 code once the process is gone.
func (m *Manager) Kill(ctx context.Context, refOrID, signalName string) error {
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return err
	}
	sig, err := supervisor.ParseSignal(signalName)
	if err != nil {
		return err
	}

	unlock := m.lock(record.ID)
	defer unlock()

	st, err := m.sup.Refresh(record.ID)
	if err != nil {
		return err
	}
	if st.Status != state.StatusRunning {
		return fmt.Errorf("container %s: %w", record.Name, ErrNotRunning)
	}
	if err := m.sup.Signal(record.ID, sig); err != nil {
		return err
	}

	if sig != unix.SIGKILL {
		return nil
	}
	deadline := time.Now().Add(killWaitTimeout)
	for time.Now().Before(deadline) {
		gone, err := m.sup.RecordExitIfGone(record.ID, 128+int(sig))
		if err != nil {
			return err
		}
		if gone {
			if err := m.syncDiff(record); err != nil {
				log.WithField("container", shortID(record.ID)).WithError(err).Warn("Writable layer sync failed")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("container %s did not exit after SIGKILL", record.Name)
}

// Restart stops the container when it is running and starts it detached.
func (m *Manager) Restart(ctx context.Context, refOrID string, grace time.Duration) error {
	if err := m.stop(ctx, refOrID, grace, false); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	_, err := m.Start(ctx, refOrID, StartOptions{})
	return err
}

// Remove deletes a container. A running container is refused unless force is
// set, in which case it is killed first. With removeVolumes the named
// volumes created for this container are removed too, unless another
// container still references them.
func (m *Manager) Remove(ctx context.Context, refOrID string, force, removeVolumes bool) error {
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return err
	}
	unlock := m.lock(record.ID)
	err = m.removeLocked(ctx, record, force, removeVolumes)
	unlock()
	if err == nil {
		m.dropLock(record.ID)
	}
	return err
}

func (m *Manager) removeLocked(ctx context.Context, record *state.ContainerRecord, force, removeVolumes bool) error {
	started := time.Now()
	st, err := m.sup.Refresh(record.ID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if st != nil && st.Status == state.StatusRunning {
		if !force {
			return fmt.Errorf("container %s is running, stop it first or use force: %w", record.Name, ErrRunning)
		}
		// Zero grace goes straight from SIGTERM to SIGKILL.
		if _, err := m.sup.Stop(ctx, record.ID, 0); err != nil {
			return err
		}
	}

	var errs *multierror.Error
	if err := m.assembler.Teardown(record.ID); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := os.RemoveAll(m.cfg.GetContainerDir(record.ID)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to remove container directory: %w", err))
	}

	// Records go last so an interrupted removal stays resolvable and can
	// be retried.
	if err := m.store.RemoveContainer(record.ID); err != nil {
		errs = multierror.Append(errs, err)
	}

	if removeVolumes {
		for _, name := range record.Volumes {
			err := m.volumes.Remove(name)
			if errors.Is(err, volume.ErrInUse) || errors.Is(err, volume.ErrNotFound) {
				continue
			}
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if _, err := m.images.CollectGarbage(); err != nil {
		log.WithError(err).Debug("Layer sweep after container removal failed")
	}

	m.metrics.RecordOperation("remove", started)
	log.WithFields(logrus.Fields{
		"container": shortID(record.ID),
		"name":      record.Name,
	}).Info("Container removed")
	return errs.ErrorOrNil()
}

// Logs streams the container log to w.
func (m *Manager) Logs(ctx context.Context, refOrID string, w io.Writer, opts supervisor.LogOptions) error {
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return err
	}
	return m.sup.Logs(ctx, record.ID, w, opts)
}

// ExecOptions describes an auxiliary process inside a running container.
type ExecOptions struct {
	Command     []string
	Env         []string
	WorkingDir  string
	User        string
	Interactive bool
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// Exec runs an extra process inside the container's rootfs and boundary and
// returns its exit code. The container must be running.
func (m *Manager) Exec(ctx context.Context, refOrID string, opts ExecOptions) (int, error) {
	record, err := m.store.ResolveContainer(refOrID)
	if err != nil {
		return 0, err
	}
	if len(opts.Command) == 0 {
		return 0, fmt.Errorf("exec requires a command")
	}
	containerConfig, err := m.loadConfig(record.ID)
	if err != nil {
		return 0, err
	}

	env := runtimeEnv(record.Env, record.ID)
	if opts.Interactive {
		env = mergeEnv(env, []string{"TERM=xterm"})
	}
	env = mergeEnv(env, opts.Env)

	workingDir := record.WorkingDir
	if opts.WorkingDir != "" {
		workingDir = opts.WorkingDir
	}
	user := containerConfig.User
	if opts.User != "" {
		user = opts.User
	}

	rootfsPath := m.cfg.GetContainerRootfs(record.ID)
	specs, err := parseSpecs(record.Mounts)
	if err != nil {
		return 0, err
	}
	actives, err := m.resolver.Resolve(record.ID, specs, rootfsPath)
	if err != nil {
		return 0, err
	}

	boundary, err := sandbox.NewBoundary(sandbox.Options{
		RootfsPath:  rootfsPath,
		WorkingDir:  workingDir,
		Env:         env,
		User:        user,
		Privileged:  containerConfig.Privileged,
		Mounts:      actives,
		ProfilePath: m.cfg.GetSandboxProfile(record.ID),
		Strict:      containerConfig.Isolation == "strict",
		Mechanism:   containerConfig.Isolation,
	})
	if err != nil {
		return 0, err
	}

	return m.sup.Exec(ctx, supervisor.ExecSpec{
		ContainerID: record.ID,
		Program:     opts.Command[0],
		Args:        opts.Command[1:],
		Boundary:    boundary,
		Interactive: opts.Interactive,
		Stdin:       opts.Stdin,
		Stdout:      opts.Stdout,
		Stderr:      opts.Stderr,
	})
}

func (m *Manager) syncDiff(record *state.ContainerRecord) error {
	specs, err := parseSpecs(record.Mounts)
	if err != nil {
		return err
	}
	excludes := make([]string, 0, len(specs))
	for _, spec := range specs {
		excludes = append(excludes, spec.Destination)
	}
	return m.assembler.SyncDiff(record.ID, toDigests(record.Layers), excludes...)
}

func (m *Manager) saveConfig(id string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode container config: %w", err)
	}
	if err := os.WriteFile(m.cfg.GetContainerConfig(id), data, 0644); err != nil {
		return fmt.Errorf("failed to write container config: %w", err)
	}
	return nil
}

func (m *Manager) loadConfig(id string) (*Config, error) {
	data, err := os.ReadFile(m.cfg.GetContainerConfig(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read container config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse container config: %w", err)
	}
	return &c, nil
}

// runtimeEnv is the environment the container process actually sees: the
// record's merged env on top of defaults, with HOSTNAME pinned to the id.
func runtimeEnv(env []string, id string) []string {
	merged := mergeEnv([]string{
		"PATH=" + defaultPath,
		"HOME=/root",
	}, env)
	return mergeEnv(merged, []string{"HOSTNAME=" + shortID(id)})
}

// mergeEnv layers overrides on top of base, replacing entries by key while
// keeping first-seen order.
func mergeEnv(base, overrides []string) []string {
	index := make(map[string]int)
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		merged = appendEnv(merged, index, kv)
	}
	for _, kv := range overrides {
		merged = appendEnv(merged, index, kv)
	}
	return merged
}

func appendEnv(env []string, index map[string]int, kv string) []string {
	key := kv
	if eq := strings.IndexByte(kv, '='); eq >= 0 {
		key = kv[:eq]
	}
	if pos, ok := index[key]; ok {
		env[pos] = kv
		return env
	}
	index[key] = len(env)
	return append(env, kv)
}

func parseSpecs(raw []string) ([]mount.Spec, error) {
	specs := make([]mount.Spec, 0, len(raw))
	for _, r := range raw {
		spec, err := mount.ParseSpec(r)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func toDigests(diffIDs []string) []digest.Digest {
	digests := make([]digest.Digest, len(diffIDs))
	for i, d := range diffIDs {
		digests[i] = digest.Digest(d)
	}
	return digests
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

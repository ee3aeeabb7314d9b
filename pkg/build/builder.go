package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"drydock/pkg/config"
	"drydock/pkg/image"
	"drydock/pkg/layer"
	"drydock/pkg/metrics"
	"drydock/pkg/rootfs"
	"drydock/pkg/sandbox"
	"drydock/pkg/supervisor"
)

var log = logrus.WithField("component", "build")

// Options describes one build invocation.
type Options struct {
	// ContextDir is the build context root; COPY and ADD sources resolve
	// inside it and may not escape it.
	ContextDir string
	// Dockerfile path; defaults to ContextDir/Dockerfile.
	Dockerfile string
	// Tag applied to the result, empty for an untagged image.
	Tag string
	// BuildArgs override ARG defaults.
	BuildArgs map[string]string
	// NoCache forces every step to execute.
	NoCache bool
	// Output receives the step log and RUN output.
	Output io.Writer
}

// Builder turns a Dockerfile into a local image. Config-only instructions
// fold into the image config; COPY, ADD and RUN produce layers committed to
// the layer store and appended to the stack.
type Builder struct {
	cfg       *config.Config
	images    *image.Service
	layers    *layer.Store
	assembler *rootfs.Assembler
	sup       *supervisor.Supervisor
}

func NewBuilder(cfg *config.Config, images *image.Service, layers *layer.Store, sup *supervisor.Supervisor) (*Builder, error) {
	assembler, err := rootfs.NewAssembler(cfg, layers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rootfs assembler: %w", err)
	}
	return &Builder{cfg: cfg, images: images, layers: layers, assembler: assembler, sup: sup}, nil
}

// buildState is the image under construction as it moves through the steps.
type buildState struct {
	config     *v1.ConfigFile
	stack      []digest.Digest
	args       map[string]string
	key        string
	cache      *stepCache
	contextDir string
	noCache    bool
	out        io.Writer
}

// env is the variable set instruction expansion sees: the folded image env
// overlaid with declared build args.
func (st *buildState) env() map[string]string {
	vars := make(map[string]string)
	if st.config != nil {
		for _, kv := range st.config.Config.Env {
			if eq := strings.IndexByte(kv, '='); eq > 0 {
				vars[kv[:eq]] = kv[eq+1:]
			}
		}
	}
	for k, v := range st.args {
		vars[k] = v
	}
	return vars
}

func (st *buildState) expand(s string) string {
	vars := st.env()
	return os.Expand(s, func(key string) string { return vars[key] })
}

func (st *buildState) history(createdBy string, emptyLayer bool) {
	st.config.History = append(st.config.History, v1.History{
		Created:    v1.Time{Time: time.Now()},
		CreatedBy:  createdBy,
		EmptyLayer: emptyLayer,
	})
}

// Build runs the Dockerfile and returns the metadata of the image it
// produced.
func (b *Builder) Build(ctx context.Context, opts Options) (*image.Metadata, error) {
	timer := metrics.NewTimer(fmt.Sprintf("build %s", opts.Tag))
	defer timer.Stop()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	contextDir, err := filepath.Abs(opts.ContextDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve build context: %w", err)
	}
	if info, err := os.Stat(contextDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", opts.ContextDir)
	}

	dockerfilePath := opts.Dockerfile
	if dockerfilePath == "" {
		dockerfilePath = filepath.Join(contextDir, "Dockerfile")
	}
	f, err := os.Open(dockerfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Dockerfile: %w", err)
	}
	instructions, err := Parse(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	st := &buildState{
		args:       make(map[string]string),
		cache:      loadStepCache(b.cfg.GetBuildCacheFile()),
		contextDir: contextDir,
		noCache:    opts.NoCache,
		out:        out,
	}

	total := len(instructions)
	seenFrom := false
	for step, inst := range instructions {
		fmt.Fprintf(out, "Step %d/%d : %s\n", step+1, total, inst.Raw)

		if !seenFrom && inst.Cmd != "FROM" && inst.Cmd != "ARG" {
			return nil, fmt.Errorf("line %d: %s before FROM", inst.Line, inst.Cmd)
		}

		var err error
		switch inst.Cmd {
		case "FROM":
			if seenFrom {
				return nil, fmt.Errorf("line %d: multi-stage builds are not supported", inst.Line)
			}
			seenFrom = true
			err = b.stepFrom(ctx, st, inst)
		case "ARG":
			err = b.stepArg(st, inst, opts.BuildArgs)
		case "RUN":
			err = b.stepRun(ctx, st, inst)
		case "COPY", "ADD":
			err = b.stepCopy(st, inst)
		default:
			err = b.stepConfig(st, inst)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", step+1, inst.Cmd, err)
		}
	}
	if !seenFrom {
		return nil, fmt.Errorf("Dockerfile has no FROM instruction")
	}

	hashes := make([]v1.Hash, 0, len(st.stack))
	for _, d := range st.stack {
		h, err := v1.NewHash(d.String())
		if err != nil {
			return nil, fmt.Errorf("failed to encode layer digest: %w", err)
		}
		hashes = append(hashes, h)
	}
	st.config.RootFS = v1.RootFS{Type: "layers", DiffIDs: hashes}
	st.config.Created = v1.Time{Time: time.Now()}

	meta, err := b.images.Write(st.config, opts.Tag)
	if err != nil {
		return nil, err
	}
	if err := st.cache.save(); err != nil {
		log.WithError(err).Warn("Failed to persist build cache")
	}

	fmt.Fprintf(out, "Successfully built %s\n", shortID(meta.ID))
	if opts.Tag != "" {
		fmt.Fprintf(out, "Successfully tagged %s\n", image.NormalizeRef(opts.Tag))
	}
	return meta, nil
}

func (b *Builder) stepFrom(ctx context.Context, st *buildState, inst Instruction) error {
	fields, err := splitFields(st.expand(inst.Args))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("FROM needs an image reference")
	}
	ref := fields[0]
	// A stage name is accepted but there is only ever one stage.
	if len(fields) > 1 && !(len(fields) == 3 && strings.EqualFold(fields[1], "AS")) {
		return fmt.Errorf("invalid FROM %q", inst.Args)
	}

	if ref == "scratch" {
		st.config = &v1.ConfigFile{
			Architecture: runtime.GOARCH,
			OS:           "linux",
			RootFS:       v1.RootFS{Type: "layers"},
		}
		st.stack = nil
		st.key = chainKey("", "FROM scratch", "")
		return nil
	}

	meta, err := b.images.Get(ref)
	if err != nil {
		if !errors.Is(err, image.ErrNotFound) {
			return err
		}
		fmt.Fprintf(st.out, "Pulling base image %s\n", ref)
		meta, err = b.images.Pull(ctx, ref)
		if err != nil {
			return err
		}
	}
	configFile, err := b.images.Config(meta.ID)
	if err != nil {
		return err
	}

	st.config = configFile
	st.stack = make([]digest.Digest, 0, len(meta.DiffIDs))
	for _, d := range meta.DiffIDs {
		st.stack = append(st.stack, digest.Digest(d))
	}
	st.key = chainKey("", "FROM "+meta.ID, "")
	fmt.Fprintf(st.out, " ---> %s\n", shortID(meta.ID))
	return nil
}

func (b *Builder) stepArg(st *buildState, inst Instruction, overrides map[string]string) error {
	name := inst.Args
	value := ""
	if eq := strings.IndexByte(inst.Args, '='); eq > 0 {
		name = inst.Args[:eq]
		value = st.expand(inst.Args[eq+1:])
	}
	if name == "" || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("invalid ARG %q", inst.Args)
	}
	if override, ok := overrides[name]; ok {
		value = override
	}
	st.args[name] = value

	st.key = chainKey(st.key, "ARG "+name+"="+value, "")
	if st.config != nil {
		st.history(inst.Raw, true)
	}
	return nil
}

// stepConfig folds the instructions that change only the image config.
func (b *Builder) stepConfig(st *buildState, inst Instruction) error {
	cfg := &st.config.Config

	switch inst.Cmd {
	case "ENV":
		pairs, order, err := parsePairs(inst.Args)
		if err != nil {
			return err
		}
		for _, key := range order {
			cfg.Env = setEnv(cfg.Env, key+"="+st.expand(pairs[key]))
		}

	case "LABEL":
		pairs, order, err := parsePairs(inst.Args)
		if err != nil {
			return err
		}
		if cfg.Labels == nil {
			cfg.Labels = make(map[string]string)
		}
		for _, key := range order {
			cfg.Labels[key] = st.expand(pairs[key])
		}

	case "WORKDIR":
		dir := st.expand(inst.Args)
		if !strings.HasPrefix(dir, "/") {
			base := cfg.WorkingDir
			if base == "" {
				base = "/"
			}
			dir = filepath.Join(base, dir)
		}
		cfg.WorkingDir = filepath.Clean(dir)

	case "USER":
		cfg.User = st.expand(inst.Args)

	case "CMD":
		cfg.Cmd = execForm(inst)

	case "ENTRYPOINT":
		cfg.Entrypoint = execForm(inst)

	case "EXPOSE":
		if cfg.ExposedPorts == nil {
			cfg.ExposedPorts = make(map[string]struct{})
		}
		for _, port := range strings.Fields(st.expand(inst.Args)) {
			if !strings.Contains(port, "/") {
				port += "/tcp"
			}
			cfg.ExposedPorts[port] = struct{}{}
		}

	case "VOLUME":
		if cfg.Volumes == nil {
			cfg.Volumes = make(map[string]struct{})
		}
		paths := inst.List
		if paths == nil {
			paths = strings.Fields(st.expand(inst.Args))
		}
		for _, p := range paths {
			cfg.Volumes[p] = struct{}{}
		}

	default:
		return fmt.Errorf("unhandled instruction %s", inst.Cmd)
	}

	st.key = chainKey(st.key, inst.Raw, "")
	st.history(inst.Raw, true)
	return nil
}

// execForm returns the argv a CMD or ENTRYPOINT sets: the JSON list as-is,
// shell form wrapped in a shell invocation.
func execForm(inst Instruction) []string {
	if inst.JSONForm() {
		return inst.List
	}
	return []string{"/bin/sh", "-c", inst.Args}
}

func (b *Builder) stepRun(ctx context.Context, st *buildState, inst Instruction) error {
	key := chainKey(st.key, inst.Raw, "")
	st.key = key

	if !st.noCache {
		if cached, ok := st.cache.get(key); ok && b.layers.Has(cached) {
			fmt.Fprintln(st.out, " ---> Using cache")
			st.stack = append(st.stack, cached)
			st.history(inst.Raw, false)
			fmt.Fprintf(st.out, " ---> %s\n", shortID(cached.Encoded()))
			return nil
		}
	}

	argv := execForm(inst)

	buildID := digest.FromString(uuid.New().String()).Encoded()
	rootfsPath, err := b.assembler.Assemble(buildID, st.stack)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.assembler.Teardown(buildID); err != nil {
			log.WithField("step", shortID(buildID)).WithError(err).Warn("Failed to tear down build rootfs")
		}
		os.RemoveAll(b.cfg.GetContainerDir(buildID))
	}()

	env := st.config.Config.Env
	for name, value := range st.args {
		env = setEnv(env, name+"="+value)
	}
	workingDir := st.config.Config.WorkingDir
	if workingDir == "" {
		workingDir = "/"
	}

	boundary, err := sandbox.NewBoundary(sandbox.Options{
		RootfsPath:  rootfsPath,
		WorkingDir:  workingDir,
		Env:         env,
		User:        st.config.Config.User,
		ProfilePath: b.cfg.GetSandboxProfile(buildID),
	})
	if err != nil {
		return err
	}

	proc, err := b.sup.Start(ctx, supervisor.StartSpec{
		ContainerID: buildID,
		Program:     argv[0],
		Args:        argv[1:],
		Boundary:    boundary,
		Stdout:      st.out,
		Stderr:      st.out,
	})
	if err != nil {
		return err
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("command %q returned exit code %d", strings.Join(argv, " "), code)
	}

	if err := b.assembler.SyncDiff(buildID, st.stack); err != nil {
		return err
	}
	data, entries, err := tarDirectory(b.cfg.GetContainerDiff(buildID))
	if err != nil {
		return err
	}
	if entries == 0 {
		st.history(inst.Raw, true)
		fmt.Fprintln(st.out, " ---> no filesystem changes")
		return nil
	}

	diffID, err := b.layers.Import(bytes.NewReader(data))
	if err != nil {
		return err
	}
	st.stack = append(st.stack, diffID)
	st.history(inst.Raw, false)
	st.cache.put(key, diffID)
	fmt.Fprintf(st.out, " ---> %s\n", shortID(diffID.Encoded()))
	return nil
}

func (b *Builder) stepCopy(st *buildState, inst Instruction) error {
	fields := inst.List
	if fields == nil {
		var err error
		if fields, err = splitFields(inst.Args); err != nil {
			return err
		}
	}
	if len(fields) < 2 {
		return fmt.Errorf("%s needs at least one source and a destination", inst.Cmd)
	}
	for i := range fields {
		fields[i] = st.expand(fields[i])
	}
	dest := fields[len(fields)-1]
	sources := fields[:len(fields)-1]

	destAbs := dest
	if !strings.HasPrefix(destAbs, "/") {
		base := st.config.Config.WorkingDir
		if base == "" {
			base = "/"
		}
		destAbs = filepath.Join(base, destAbs)
	}
	destRel := strings.TrimPrefix(filepath.Clean(destAbs), "/")
	destIsDir := strings.HasSuffix(dest, "/") || len(sources) > 1

	staging, err := os.MkdirTemp(b.cfg.GetTmpDir(), "build-copy-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, source := range sources {
		if strings.Contains(source, "://") {
			return fmt.Errorf("remote sources are not supported: %s", source)
		}
		matches, err := filepath.Glob(filepath.Join(st.contextDir, source))
		if err != nil {
			return fmt.Errorf("invalid source pattern %q: %w", source, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no source files match %q", source)
		}

		for _, match := range matches {
			rel, err := filepath.Rel(st.contextDir, match)
			if err != nil || strings.HasPrefix(rel, "..") {
				return fmt.Errorf("source %q is outside the build context", source)
			}
			info, err := os.Lstat(match)
			if err != nil {
				return err
			}

			switch {
			case inst.Cmd == "ADD" && !info.IsDir() && isLocalArchive(match):
				if err := unpackTar(match, filepath.Join(staging, destRel)); err != nil {
					return fmt.Errorf("failed to unpack %s: %w", rel, err)
				}
			case info.IsDir():
				// A directory source contributes its contents, not itself.
				if err := copyTree(match, filepath.Join(staging, destRel)); err != nil {
					return err
				}
			default:
				target := filepath.Join(staging, destRel)
				if destIsDir {
					target = filepath.Join(target, filepath.Base(match))
				}
				if err := copyTree(match, target); err != nil {
					return err
				}
			}
		}
	}

	data, entries, err := tarDirectory(staging)
	if err != nil {
		return err
	}
	if entries == 0 {
		return fmt.Errorf("%s staged no files", inst.Cmd)
	}

	contentHash := digest.FromBytes(data).Encoded()
	key := chainKey(st.key, inst.Raw, contentHash)
	st.key = key

	if !st.noCache {
		if cached, ok := st.cache.get(key); ok && b.layers.Has(cached) {
			fmt.Fprintln(st.out, " ---> Using cache")
			st.stack = append(st.stack, cached)
			st.history(inst.Raw, false)
			fmt.Fprintf(st.out, " ---> %s\n", shortID(cached.Encoded()))
			return nil
		}
	}

	diffID, err := b.layers.Import(bytes.NewReader(data))
	if err != nil {
		return err
	}
	st.stack = append(st.stack, diffID)
	st.history(inst.Raw, false)
	st.cache.put(key, diffID)
	fmt.Fprintf(st.out, " ---> %s\n", shortID(diffID.Encoded()))
	return nil
}

func isLocalArchive(path string) bool {
	switch {
	case strings.HasSuffix(path, ".tar"),
		strings.HasSuffix(path, ".tar.gz"),
		strings.HasSuffix(path, ".tgz"):
		return true
	}
	return false
}

// setEnv replaces the entry with the same key or appends.
func setEnv(env []string, kv string) []string {
	key := kv
	if eq := strings.IndexByte(kv, '='); eq >= 0 {
		key = kv[:eq]
	}
	for i, existing := range env {
		if strings.HasPrefix(existing, key+"=") || existing == key {
			out := append([]string{}, env...)
			out[i] = kv
			return out
		}
	}
	return append(append([]string{}, env...), kv)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

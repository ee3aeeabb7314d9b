package build

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"

	"drydock/pkg/config"
	"drydock/pkg/image"
	"drydock/pkg/layer"
	"drydock/pkg/state"
	"drydock/pkg/supervisor"
)

type buildEnv struct {
	cfg     *config.Config
	images  *image.Service
	layers  *layer.Store
	builder *Builder
	context string
}

func newBuildEnv(t *testing.T) (*buildEnv, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "drydock-build-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	cfg := config.NewConfigWithRoot(filepath.Join(tempDir, "root"))
	if err := cfg.Ensure(); err != nil {
		cleanup()
		t.Fatalf("Failed to ensure config dirs: %v", err)
	}
	store, err := state.NewStore(cfg)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create store: %v", err)
	}
	layers, err := layer.NewStore(cfg)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create layer store: %v", err)
	}
	images, err := image.NewService(cfg, store, layers)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create image service: %v", err)
	}
	builder, err := NewBuilder(cfg, images, layers, supervisor.NewSupervisor(cfg, store))
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create builder: %v", err)
	}

	contextDir := filepath.Join(tempDir, "context")
	if err := os.MkdirAll(contextDir, 0755); err != nil {
		cleanup()
		t.Fatalf("Failed to create context dir: %v", err)
	}

	return &buildEnv{cfg: cfg, images: images, layers: layers, builder: builder, context: contextDir}, cleanup
}

func (e *buildEnv) seedBase(t *testing.T, tag string) string {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range map[string]string{
		"bin/sh":         "#!/bin/sh\n",
		"etc/os-release": "ID=testdistro\n",
	} {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0755, Size: int64(len(content))}); err != nil {
			t.Fatalf("Failed to write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write tar content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}

	diffID, err := e.layers.Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to import base layer: %v", err)
	}
	hash, err := v1.NewHash(diffID.String())
	if err != nil {
		t.Fatalf("Failed to build hash: %v", err)
	}
	meta, err := e.images.Write(&v1.ConfigFile{
		Architecture: "arm64",
		OS:           "linux",
		Created:      v1.Time{Time: time.Now()},
		RootFS:       v1.RootFS{Type: "layers", DiffIDs: []v1.Hash{hash}},
		Config:       v1.Config{Cmd: []string{"/bin/sh"}, Env: []string{"BASE=yes"}},
	}, tag)
	if err != nil {
		t.Fatalf("Failed to write base image: %v", err)
	}
	return meta.ID
}

func (e *buildEnv) writeContext(t *testing.T, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(e.context, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create context subdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write context file: %v", err)
		}
	}
}

func TestBuildConfigInstructions(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.seedBase(t, "base:latest")

	env.writeContext(t, map[string]string{
		"Dockerfile": `FROM base
ENV PORT=9000 GREETING="hello world"
WORKDIR /srv
WORKDIR logs
LABEL maintainer=ops team=core
EXPOSE 9000 53/udp
USER 1000:1000
VOLUME /srv/data
ENTRYPOINT ["/bin/app"]
CMD ["--serve"]
`,
	})

	var out bytes.Buffer
	meta, err := env.builder.Build(context.Background(), Options{
		ContextDir: env.context,
		Tag:        "app:v1",
		Output:     &out,
	})
	if err != nil {
		t.Fatalf("Build failed: %v\n%s", err, out.String())
	}

	configFile, err := env.images.Config(meta.ID)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	cfg := configFile.Config

	assertEnv := func(want string) {
		t.Helper()
		for _, kv := range cfg.Env {
			if kv == want {
				return
			}
		}
		t.Errorf("env %v missing %q", cfg.Env, want)
	}
	assertEnv("BASE=yes")
	assertEnv("PORT=9000")
	assertEnv("GREETING=hello world")

	if cfg.WorkingDir != "/srv/logs" {
		t.Errorf("WorkingDir = %q, want relative WORKDIR joined", cfg.WorkingDir)
	}
	if cfg.Labels["maintainer"] != "ops" || cfg.Labels["team"] != "core" {
		t.Errorf("Labels = %v", cfg.Labels)
	}
	if _, ok := cfg.ExposedPorts["9000/tcp"]; !ok {
		t.Errorf("ExposedPorts = %v, want 9000/tcp", cfg.ExposedPorts)
	}
	if _, ok := cfg.ExposedPorts["53/udp"]; !ok {
		t.Errorf("ExposedPorts = %v, want 53/udp", cfg.ExposedPorts)
	}
	if cfg.User != "1000:1000" {
		t.Errorf("User = %q", cfg.User)
	}
	if _, ok := cfg.Volumes["/srv/data"]; !ok {
		t.Errorf("Volumes = %v", cfg.Volumes)
	}
	if !reflect.DeepEqual(cfg.Entrypoint, []string{"/bin/app"}) {
		t.Errorf("Entrypoint = %v", cfg.Entrypoint)
	}
	if !reflect.DeepEqual(cfg.Cmd, []string{"--serve"}) {
		t.Errorf("Cmd = %v", cfg.Cmd)
	}

	// Base layer kept, no new layers from config-only instructions.
	if len(meta.DiffIDs) != 1 {
		t.Errorf("DiffIDs = %v, config-only build must not add layers", meta.DiffIDs)
	}

	if resolved, err := env.images.Resolve("app:v1"); err != nil || resolved != meta.ID {
		t.Errorf("tag not applied: %v %v", resolved, err)
	}
	if !strings.Contains(out.String(), "Successfully tagged app:v1") {
		t.Errorf("missing tag line in output:\n%s", out.String())
	}
}

func TestBuildCopy(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.seedBase(t, "base:latest")

	env.writeContext(t, map[string]string{
		"Dockerfile":      "FROM base\nCOPY app.conf /etc/app/\nCOPY src /opt/src\n",
		"app.conf":        "port = 1\n",
		"src/main.go":     "package main\n",
		"src/sub/util.go": "package sub\n",
	})

	var out bytes.Buffer
	meta, err := env.builder.Build(context.Background(), Options{
		ContextDir: env.context,
		Tag:        "copytest:latest",
		Output:     &out,
	})
	if err != nil {
		t.Fatalf("Build failed: %v\n%s", err, out.String())
	}

	if len(meta.DiffIDs) != 3 {
		t.Fatalf("DiffIDs = %v, want base + two copy layers", meta.DiffIDs)
	}

	// The second COPY layer holds the directory contents under the dest.
	extracted, err := env.layers.Get(toDigest(t, meta.DiffIDs[2]))
	if err != nil {
		t.Fatalf("layer missing: %v", err)
	}
	for _, path := range []string{"opt/src/main.go", "opt/src/sub/util.go"} {
		if _, err := os.Stat(filepath.Join(extracted, path)); err != nil {
			t.Errorf("copy layer missing %s: %v", path, err)
		}
	}

	extracted, err = env.layers.Get(toDigest(t, meta.DiffIDs[1]))
	if err != nil {
		t.Fatalf("layer missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extracted, "etc/app/app.conf")); err != nil {
		t.Errorf("copy layer missing etc/app/app.conf: %v", err)
	}
}

func TestBuildCopyRejectsEscape(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.seedBase(t, "base:latest")
	env.writeContext(t, map[string]string{
		"Dockerfile": "FROM base\nCOPY ../secret.txt /etc/\n",
	})
	// The file exists, just not inside the context.
	if err := os.WriteFile(filepath.Join(env.context, "..", "secret.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write outside file: %v", err)
	}

	_, err := env.builder.Build(context.Background(), Options{ContextDir: env.context})
	if err == nil || !strings.Contains(err.Error(), "outside the build context") {
		t.Errorf("expected a build-context escape error, got %v", err)
	}
}

func TestBuildAddUnpacksArchive(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.seedBase(t, "base:latest")

	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	if err := tw.WriteHeader(&tar.Header{Name: "assets/logo.txt", Mode: 0644, Size: 4}); err != nil {
		t.Fatalf("Failed to write archive header: %v", err)
	}
	if _, err := tw.Write([]byte("logo")); err != nil {
		t.Fatalf("Failed to write archive content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.context, "assets.tar"), archive.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	env.writeContext(t, map[string]string{
		"Dockerfile": "FROM base\nADD assets.tar /usr/share/\n",
	})

	meta, err := env.builder.Build(context.Background(), Options{ContextDir: env.context})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	extracted, err := env.layers.Get(toDigest(t, meta.DiffIDs[1]))
	if err != nil {
		t.Fatalf("layer missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extracted, "usr/share/assets/logo.txt")); err != nil {
		t.Errorf("archive was not unpacked into the layer: %v", err)
	}
}

func TestBuildArgs(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.seedBase(t, "base:latest")

	env.writeContext(t, map[string]string{
		"Dockerfile": "ARG VERSION=dev\nFROM base\nARG VERSION\nENV APP_VERSION=$VERSION\n",
	})

	meta, err := env.builder.Build(context.Background(), Options{
		ContextDir: env.context,
		BuildArgs:  map[string]string{"VERSION": "1.2.3"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	configFile, err := env.images.Config(meta.ID)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	found := false
	for _, kv := range configFile.Config.Env {
		if kv == "APP_VERSION=1.2.3" {
			found = true
		}
	}
	if !found {
		t.Errorf("env = %v, want APP_VERSION=1.2.3", configFile.Config.Env)
	}
}

func TestBuildCacheReuse(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.seedBase(t, "base:latest")
	env.writeContext(t, map[string]string{
		"Dockerfile": "FROM base\nCOPY app.conf /etc/\n",
		"app.conf":   "a=1\n",
	})

	build := func(noCache bool) string {
		var out bytes.Buffer
		if _, err := env.builder.Build(context.Background(), Options{
			ContextDir: env.context,
			NoCache:    noCache,
			Output:     &out,
		}); err != nil {
			t.Fatalf("Build failed: %v\n%s", err, out.String())
		}
		return out.String()
	}

	if first := build(false); strings.Contains(first, "Using cache") {
		t.Errorf("first build must not hit the cache:\n%s", first)
	}
	if second := build(false); !strings.Contains(second, "Using cache") {
		t.Errorf("second build should reuse the copy layer:\n%s", second)
	}
	if forced := build(true); strings.Contains(forced, "Using cache") {
		t.Errorf("no-cache build must re-execute:\n%s", forced)
	}

	// Changing the content invalidates the chained key.
	env.writeContext(t, map[string]string{"app.conf": "a=2\n"})
	if changed := build(false); strings.Contains(changed, "Using cache") {
		t.Errorf("content change should miss the cache:\n%s", changed)
	}
}

func TestBuildRequiresFrom(t *testing.T) {
	env, cleanup := newBuildEnv(t)
	defer cleanup()
	env.writeContext(t, map[string]string{
		"Dockerfile": "ENV A=1\nFROM base\n",
	})

	if _, err := env.builder.Build(context.Background(), Options{ContextDir: env.context}); err == nil {
		t.Error("expected an error for instructions before FROM")
	}
}

func TestTarDirectoryDeterministic(t *testing.T) {
	dir, err := os.MkdirTemp("", "drydock-tar-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("Failed to make subdir: %v", err)
	}
	for name, content := range map[string]string{"b.txt": "bb", "a.txt": "aa", "sub/c.txt": "cc"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
	}

	first, n1, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("tarDirectory failed: %v", err)
	}
	second, n2, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("tarDirectory failed: %v", err)
	}
	if n1 != 4 || n2 != 4 {
		t.Errorf("entry counts = %d, %d, want 4", n1, n2)
	}
	if !bytes.Equal(first, second) {
		t.Error("tarDirectory is not deterministic")
	}
}

func toDigest(t *testing.T, s string) digest.Digest {
	t.Helper()
	parsed, err := digest.Parse(s)
	if err != nil {
		t.Fatalf("bad digest %q: %v", s, err)
	}
	return parsed
}

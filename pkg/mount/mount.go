package mount

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSpec is returned for -v values that do not parse.
	ErrInvalidSpec = errors.New("invalid mount specification")
	// ErrInvalidPath is returned when a destination resolves outside the
	// container rootfs.
	ErrInvalidPath = errors.New("mount destination escapes container rootfs")
)

// Spec is one parsed mount request: a host path or named volume bound to a
// path inside the container.
type Spec struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Active is a Spec resolved against a concrete rootfs: HostPath is where
// the data lives on the host, Target is the graft point inside the rootfs.
// Resolved once at container start, immutable afterwards.
type Active struct {
	Spec
	HostPath string
	Target   string
}

// ParseSpec parses the docker -v syntax: source:destination[:ro|rw].
func ParseSpec(raw string) (Spec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Spec{}, fmt.Errorf("%w: %q (want source:destination[:ro|rw])", ErrInvalidSpec, raw)
	}
	if parts[0] == "" || parts[1] == "" {
		return Spec{}, fmt.Errorf("%w: %q has an empty source or destination", ErrInvalidSpec, raw)
	}
	if !strings.HasPrefix(parts[1], "/") {
		return Spec{}, fmt.Errorf("%w: destination %q must be absolute", ErrInvalidSpec, parts[1])
	}
	if strings.Trim(parts[1], "/") == "" {
		return Spec{}, fmt.Errorf("%w: destination cannot be the container root", ErrInvalidSpec)
	}

	spec := Spec{Source: parts[0], Destination: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			spec.ReadOnly = true
		case "rw":
		default:
			return Spec{}, fmt.Errorf("%w: unknown mount option %q", ErrInvalidSpec, parts[2])
		}
	}
	return spec, nil
}

// IsNamedVolume reports whether the source refers to a named volume rather
// than a host path. Host paths start with / or . and everything else is a
// volume name.
func (s Spec) IsNamedVolume() bool {
	return !strings.HasPrefix(s.Source, "/") && !strings.HasPrefix(s.Source, ".")
}

// Package scope models the set of roots a path store covers. Snapshot
// filenames, acquisition strategy, and status labels all dispatch on the
// scope value.
package scope

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/cespare/xxhash/v2"
)

// Kind discriminates the scope variants.
type Kind int

// Scope variants.
const (
	// CurrentDir scopes a single directory tree; walker acquisition only.
	CurrentDir Kind = iota

	// Volume scopes one whole local volume, eligible for raw
	// enumeration and journal replay.
	Volume

	// AllVolumes scopes the union of all fixed local volumes.
	AllVolumes

	// Custom scopes an arbitrary directory tree, like CurrentDir but
	// chosen explicitly.
	Custom
)

// ErrInvalid reports a scope descriptor that could not be parsed.
var ErrInvalid = errors.New("invalid scope descriptor")

// Scope is a first-class scope value.
type Scope struct {
	Kind Kind

	// Drive is the volume letter for Kind == Volume, e.g. 'C'.
	Drive byte

	// Path is the root directory for CurrentDir and Custom scopes.
	Path string
}

// Dir returns a scope covering one directory tree.
func Dir(path string) Scope {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Scope{Kind: CurrentDir, Path: abs}
}

// DriveScope returns a scope covering a single volume.
func DriveScope(letter byte) Scope {
	return Scope{Kind: Volume, Drive: upperByte(letter)}
}

// All returns the union-of-fixed-volumes scope.
func All() Scope {
	return Scope{Kind: AllVolumes}
}

// Parse converts a descriptor string into a Scope. Accepted forms:
// "current", "entire", "all", a drive spec like "c" or "C:", or an
// absolute directory path.
func Parse(descriptor, cwd string) (Scope, error) {
	d := strings.TrimSpace(descriptor)
	switch strings.ToLower(d) {
	case "", "current":
		return Dir(cwd), nil
	case "entire":
		letter, err := driveOf(cwd)
		if err != nil {
			return Scope{}, err
		}
		return DriveScope(letter), nil
	case "all":
		return All(), nil
	}

	if len(d) <= 2 && len(d) >= 1 {
		b := d[0]
		if isDriveLetter(b) && (len(d) == 1 || d[1] == ':') {
			return DriveScope(b), nil
		}
	}

	if filepath.IsAbs(d) {
		return Scope{Kind: Custom, Path: filepath.Clean(d)}, nil
	}

	return Scope{}, fmt.Errorf("%w: %q", ErrInvalid, descriptor)
}

// Label returns the stable identity string of the scope. It keys the
// snapshot hash, so it must not change between releases.
func (s Scope) Label() string {
	switch s.Kind {
	case CurrentDir:
		return "dir:" + s.Path
	case Volume:
		return "drive:" + string(rune(s.Drive))
	case AllVolumes:
		return "all-local-drives"
	case Custom:
		return "custom:" + s.Path
	default:
		return "unknown"
	}
}

// String returns a human-readable form for logs and the status line.
func (s Scope) String() string {
	switch s.Kind {
	case CurrentDir, Custom:
		return s.Path
	case Volume:
		return string(rune(s.Drive)) + `:\`
	case AllVolumes:
		return "all local drives"
	default:
		return "unknown"
	}
}

// Hash returns the 32-bit identity used in snapshot and checkpoint
// filenames and embedded in the snapshot header.
func (s Scope) Hash() uint32 {
	h := xxhash.Sum64String(s.Label())
	return uint32(h) ^ uint32(h>>32)
}

// WholeVolumes reports whether the scope is eligible for raw volume
// enumeration and change-journal replay.
func (s Scope) WholeVolumes() bool {
	return s.Kind == Volume || s.Kind == AllVolumes
}

// SnapshotPath returns the per-scope snapshot file location under the
// user's data directory.
func (s Scope) SnapshotPath() (string, error) {
	return xdg.DataFile(filepath.Join("wizmini", "snapshots", fmt.Sprintf("scope-%08x.bin", s.Hash())))
}

// CheckpointPath returns the per-scope journal checkpoint file location.
func (s Scope) CheckpointPath() (string, error) {
	return xdg.DataFile(filepath.Join("wizmini", "journal", fmt.Sprintf("scope-%08x.ckpt", s.Hash())))
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// driveOf extracts the volume letter from an absolute path.
func driveOf(path string) (byte, error) {
	if len(path) >= 2 && path[1] == ':' && isDriveLetter(path[0]) {
		return upperByte(path[0]), nil
	}
	return 0, fmt.Errorf("%w: no drive in %q", ErrInvalid, path)
}

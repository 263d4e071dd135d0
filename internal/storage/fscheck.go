package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNetworkFilesystem is returned by RequireLocal for paths on network mounts.
var ErrNetworkFilesystem = errors.New("network filesystem")

// networkTypes are filesystem names (as reported by statfs) that SQLite
// cannot lock reliably.
var networkTypes = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// FSInfo describes the filesystem a path lives on, or would be created on.
type FSInfo struct {
	// Probed is the nearest existing ancestor that was inspected.
	Probed  string
	Type    string
	Network bool
}

type typeFunc func(path string) (string, error)

// Probe inspects the filesystem holding path. Missing trailing components are
// allowed; their closest existing ancestor is inspected instead.
func Probe(path string) (FSInfo, error) {
	return probe(path, filesystemType)
}

func probe(path string, typeOf typeFunc) (FSInfo, error) {
	if strings.TrimSpace(path) == "" {
		return FSInfo{}, errors.New("path is empty")
	}
	existing, err := existingAncestor(path)
	if err != nil {
		return FSInfo{}, err
	}
	fsType, err := typeOf(existing)
	if err != nil {
		return FSInfo{}, fmt.Errorf("detect filesystem for %s: %w", existing, err)
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	return FSInfo{
		Probed:  existing,
		Type:    fsType,
		Network: slices.Contains(networkTypes, fsType),
	}, nil
}

// RequireLocal fails with ErrNetworkFilesystem when the database at path
// would live on a network mount.
func RequireLocal(path string) error {
	return requireLocal(path, filesystemType)
}

func requireLocal(path string, typeOf typeFunc) error {
	info, err := probe(path, typeOf)
	if err != nil {
		return fmt.Errorf("sqlite path %q: %w", path, err)
	}
	if info.Network {
		return fmt.Errorf("%w: %s is on %s and SQLite locking is unreliable there; point journal.path (or --db) at a local disk",
			ErrNetworkFilesystem, path, info.Type)
	}
	return nil
}

// existingAncestor returns path itself if it exists, else the closest parent that does.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if dir == filepath.Dir(dir) {
			return "", fmt.Errorf("no existing ancestor of %s", abs)
		}
	}
}

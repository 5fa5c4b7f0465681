// Package boot tells a daemon start after a host restart apart from a plain process restart.
package boot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const DefaultBootIDPath = "/proc/sys/kernel/random/boot_id"

// Detector compares the kernel boot id with the one recorded by the previous run.
type Detector struct {
	fs         afero.Fs
	bootIDPath string
	markerPath string
	log        *slog.Logger
}

type Option func(*Detector)

func WithBootIDPath(p string) Option {
	return func(d *Detector) {
		if p != "" {
			d.bootIDPath = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDetector records boot ids in markerPath on fsys. A nil fsys means the OS filesystem.
func NewDetector(fsys afero.Fs, markerPath string, opts ...Option) *Detector {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	d := &Detector{
		fs:         fsys,
		bootIDPath: DefaultBootIDPath,
		markerPath: markerPath,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Booted reports whether the host booted since the marker was last written, and records the
// current boot. Without a readable boot id every start counts as a boot; the periodic item is
// re-submitted with KeepExisting so a spurious boot is harmless.
func (d *Detector) Booted() (bool, error) {
	current, err := d.read(d.bootIDPath)
	if err != nil {
		d.log.Warn("boot id unavailable, treating start as boot", "path", d.bootIDPath, "error", err)
		return true, nil
	}
	if current == "" {
		return true, nil
	}

	previous, err := d.read(d.markerPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("read boot marker: %w", err)
	}
	if previous == current {
		return false, nil
	}

	if err := d.write(current); err != nil {
		return true, err
	}
	d.log.Info("host boot detected", "boot_id", current, "previous", previous)
	return true, nil
}

func (d *Detector) read(path string) (string, error) {
	b, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (d *Detector) write(id string) error {
	if dir := filepath.Dir(d.markerPath); dir != "." {
		if err := d.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create marker dir: %w", err)
		}
	}
	tmp := d.markerPath + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write boot marker: %w", err)
	}
	if err := d.fs.Rename(tmp, d.markerPath); err != nil {
		return fmt.Errorf("install boot marker: %w", err)
	}
	return nil
}

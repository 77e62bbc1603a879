package infra

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// screensaverNames are processes whose presence indicates the session is
// locked or the screensaver is active.
var screensaverNames = []string{
	"xscreensaver",
	"gnome-screensaver",
	"xsecurelock",
	"swaylock",
	"i3lock",
	"ScreenSaverEngine", // macOS
	"LogonUI.exe",       // Windows lock screen
}

// ProcessIdleSource derives the idle/lock signal from a process scan.
// Process presence is a coarse but dependency-free signal that works the
// same on every desktop.
type ProcessIdleSource struct{}

// NewProcessIdleSource creates the gopsutil-backed idle source.
func NewProcessIdleSource() *ProcessIdleSource { return &ProcessIdleSource{} }

// Idle reports true when a screensaver/lock process is running.
func (s *ProcessIdleSource) Idle(ctx context.Context) (bool, error) {
	return anyProcessMatches(ctx, screensaverNames)
}

// ProcessCameraSource detects camera use by scanning process file handles
// for video capture devices.
type ProcessCameraSource struct{}

// NewProcessCameraSource creates the gopsutil-backed camera source.
func NewProcessCameraSource() *ProcessCameraSource { return &ProcessCameraSource{} }

// InUse reports true when any process holds a /dev/video* handle open.
func (s *ProcessCameraSource) InUse(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue // process may have exited or be inaccessible
		}
		for _, f := range files {
			if strings.HasPrefix(f.Path, "/dev/video") {
				return true, nil
			}
		}
	}
	return false, nil
}

// anyProcessMatches reports whether any running process name matches one
// of the given names (case-insensitive).
func anyProcessMatches(ctx context.Context, names []string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process may have exited
		}
		for _, want := range names {
			if strings.EqualFold(name, want) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Ensure the sources implement their ports.
var _ domain.IdleSource = (*ProcessIdleSource)(nil)
var _ domain.CameraSource = (*ProcessCameraSource)(nil)

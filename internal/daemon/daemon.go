package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// Config holds full daemon configuration.
type Config struct {
	Dirs         DirConfig
	PollMode     bool
	PollInterval time.Duration
}

// Daemon watches the inbox directory and processes run requests.
type Daemon struct {
	cfg       Config
	processor *Processor
}

// New creates a daemon with validated configuration.
func New(cfg Config, runner Runner) (*Daemon, error) {
	if cfg.Dirs.Inbox == "" || cfg.Dirs.Outbox == "" || cfg.Dirs.State == "" {
		return nil, fmt.Errorf("inbox, outbox, and state directories are required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = pollDefault
	}
	return &Daemon{
		cfg:       cfg,
		processor: NewProcessor(cfg.Dirs, runner),
	}, nil
}

// Run starts the daemon. Blocks until ctx is cancelled. On startup,
// recovers orphaned processing files and drains any inbox files that
// arrived while the daemon was down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureDirs(d.cfg.Dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	pidPath := filepath.Join(d.cfg.Dirs.State, "daemon.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	if err := d.recoverOrphans(); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}

	handler := func(path string) {
		if err := d.processor.Process(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: process %s: %v\n", filepath.Base(path), err)
		}
	}

	if err := ScanExisting(d.cfg.Dirs.Inbox, handler); err != nil {
		return fmt.Errorf("scan existing: %w", err)
	}

	if d.cfg.PollMode {
		pw := NewPollWatcher(d.cfg.Dirs.Inbox, handler, d.cfg.PollInterval)
		return pw.Run(ctx)
	}

	w := NewInboxWatcher(d.cfg.Dirs.Inbox, handler)
	return w.Run(ctx)
}

// recoverOrphans moves files stranded in processing by a previous
// crash into the failed directory. Runs before admission: a stranded
// job may have half-executed, so it is never silently re-run.
func (d *Daemon) recoverOrphans() error {
	entries, err := os.ReadDir(d.cfg.Dirs.ProcessingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(d.cfg.Dirs.ProcessingDir(), e.Name())
		dst := filepath.Join(d.cfg.Dirs.FailedDir(), e.Name())
		if err := moveFile(src, dst); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: recover %s: %v\n", e.Name(), err)
		}
	}
	return nil
}

// acquirePIDLock prevents duplicate daemon instances. A stale PID
// file from a dead process is removed and taken over.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another daemon is running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// Package uploads stages files received over the API until a run picks
// them up.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirName is the directory created under the base dir.
const DirName = "stagehand-uploads"

var (
	// ErrNotFound is returned by Get for unknown or expired keys.
	ErrNotFound = errors.New("upload not found")
	// ErrInvalidName rejects file names that would escape the upload dir.
	ErrInvalidName = errors.New("invalid upload file name")
)

// Repo keeps each upload in its own random directory and removes uploads
// older than the cleanup timeout.
type Repo struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	timeout time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// Open recreates <baseDir>/stagehand-uploads, discarding anything left by a
// previous process, and starts the sweeper.
func Open(baseDir string, timeout time.Duration, logger *slog.Logger) (*Repo, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("cleanup timeout must be positive: %s", timeout)
	}

	root := filepath.Join(baseDir, DirName)
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("failed to clear upload dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	r := &Repo{
		root:    root,
		logger:  logger.With(slog.String("component", "uploads")),
		now:     time.Now,
		timeout: timeout,
	}
	r.startSweeper()

	r.logger.Info("upload repository ready", slog.String("root", root), slog.Duration("cleanup_timeout", timeout))
	return r, nil
}

// Root is the directory holding all uploads.
func (r *Repo) Root() string {
	return r.root
}

// Put stores the content of src as name in a new directory and returns
// the key of that directory.
func (r *Repo) Put(name string, src io.Reader) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	key := uuid.New().String()
	dir := filepath.Join(r.root, key)
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	written, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	r.logger.Debug("stored upload", slog.String("key", key), slog.String("name", name), slog.Int64("bytes", written))
	return key, nil
}

// Get returns the path of the file stored under key.
func (r *Repo) Get(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", ErrNotFound
	}

	entries, err := os.ReadDir(filepath.Join(r.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read upload %s: %w", key, err)
	}

	for _, e := range entries {
		if e.Type().IsRegular() {
			return filepath.Join(r.root, key, e.Name()), nil
		}
	}
	return "", ErrNotFound
}

// Dir returns the directory of the upload stored under key.
func (r *Repo) Dir(key string) (string, error) {
	file, err := r.Get(key)
	if err != nil {
		return "", err
	}
	return filepath.Dir(file), nil
}

// ResetTimeout changes the cleanup timeout and restarts the sweeper.
func (r *Repo) ResetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("cleanup timeout must be positive: %s", timeout)
	}

	r.stopSweeper()
	r.mu.Lock()
	r.timeout = timeout
	r.mu.Unlock()
	r.startSweeper()
	return nil
}

// Close stops the sweeper and removes every upload.
func (r *Repo) Close() error {
	r.stopSweeper()
	if err := os.RemoveAll(r.root); err != nil {
		return fmt.Errorf("failed to remove upload dir: %w", err)
	}
	return nil
}

func (r *Repo) startSweeper() {
	r.mu.Lock()
	defer r.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done
	timeout := r.timeout

	go func() {
		defer close(done)
		ticker := time.NewTicker(timeout)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.sweep(timeout)
			}
		}
	}()
}

func (r *Repo) stopSweeper() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// sweep removes uploads whose directory is older than timeout.
func (r *Repo) sweep(timeout time.Duration) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.logger.Warn("failed to list uploads", slog.String("error", err.Error()))
		return
	}

	cutoff := r.now().Add(-timeout)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.root, e.Name())); err != nil {
			r.logger.Warn("failed to remove expired upload", slog.String("key", e.Name()), slog.String("error", err.Error()))
			continue
		}
		r.logger.Debug("removed expired upload", slog.String("key", e.Name()))
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

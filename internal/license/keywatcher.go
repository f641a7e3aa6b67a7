package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// keyWatchDebounce gives writers time to finish before the key file is read.
const keyWatchDebounce = 100 * time.Millisecond

// KeyTarget receives license key changes. Service implements it.
type KeyTarget interface {
	Activate(ctx context.Context, key string) error
	Reinit(ctx context.Context) error
}

// KeyWatcher activates the key in a file whenever the file changes and
// reinitializes when it is removed.
type KeyWatcher struct {
	path    string
	target  KeyTarget
	clock   quartz.Clock
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	lastKey  string
	started  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewKeyWatcher creates a watcher for path. The file's directory is watched
// so editors that replace the file are handled.
func NewKeyWatcher(path string, target KeyTarget, clock quartz.Clock, logger zerolog.Logger) (*KeyWatcher, error) {
	if path == "" {
		return nil, errors.New("license key file path is empty")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve license key file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create license key watcher: %w", err)
	}
	return &KeyWatcher{
		path:     abs,
		target:   target,
		clock:    clock,
		logger:   logger,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ReadKey returns the trimmed contents of the key file.
func (kw *KeyWatcher) ReadKey() (string, error) {
	data, err := os.ReadFile(kw.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Start begins watching. The current file contents become the baseline and
// are not activated again.
func (kw *KeyWatcher) Start(ctx context.Context) error {
	if err := kw.watcher.Add(filepath.Dir(kw.path)); err != nil {
		return fmt.Errorf("watch license key directory: %w", err)
	}
	key, _ := kw.ReadKey()
	kw.mu.Lock()
	kw.lastKey = key
	kw.started = true
	kw.mu.Unlock()
	kw.logger.Info().Str("path", kw.path).Msg("Watching license key file")
	go kw.watch(ctx)
	return nil
}

// Stop ends watching and waits for the watch loop to exit.
func (kw *KeyWatcher) Stop() {
	select {
	case <-kw.stopChan:
		return
	default:
		close(kw.stopChan)
	}
	_ = kw.watcher.Close()

	kw.mu.Lock()
	started := kw.started
	kw.mu.Unlock()
	if started {
		<-kw.done
	}
}

func (kw *KeyWatcher) watch(ctx context.Context) {
	defer close(kw.done)
	for {
		select {
		case event, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != kw.path {
				continue
			}

			// Debounce - wait a bit for write to complete
			timer := kw.clock.NewTimer(keyWatchDebounce, "license", "keywatch")
			select {
			case <-timer.C:
			case <-kw.stopChan:
				timer.Stop()
				return
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				kw.handleWrite(ctx)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				kw.handleRemove(ctx)
			}

		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			kw.logger.Error().Err(err).Msg("License key watcher error")

		case <-kw.stopChan:
			return
		}
	}
}

func (kw *KeyWatcher) handleWrite(ctx context.Context) {
	key, err := kw.ReadKey()
	if err != nil {
		kw.logger.Warn().Err(err).Msg("Failed to read license key file")
		return
	}
	kw.mu.Lock()
	unchanged := key == kw.lastKey
	kw.lastKey = key
	kw.mu.Unlock()
	if unchanged || key == "" {
		return
	}

	kw.logger.Info().Msg("Detected license key change, activating")
	if err := kw.target.Activate(ctx, key); err != nil {
		kw.logger.Warn().Err(err).Msg("Failed to activate license key from file")
	}
}

func (kw *KeyWatcher) handleRemove(ctx context.Context) {
	// Editors often replace files with a rename; only a file that is really
	// gone counts as removed.
	if _, err := os.Stat(kw.path); err == nil {
		kw.handleWrite(ctx)
		return
	}
	kw.mu.Lock()
	kw.lastKey = ""
	kw.mu.Unlock()

	kw.logger.Info().Msg("License key file removed, reinitializing")
	if err := kw.target.Reinit(ctx); err != nil {
		kw.logger.Warn().Err(err).Msg("Failed to reinitialize license")
	}
}

package connectivity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TriggerWatcher turns writes to a trigger file into RequestSync calls. Any
// process that can touch the file (cron, a shell hook, `numberguard signal`)
// can ask a running session to sync.
type TriggerWatcher struct {
	path    string
	monitor *Monitor
	log     zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewTriggerWatcher(path string, monitor *Monitor, logger zerolog.Logger) (*TriggerWatcher, error) {
	if path == "" {
		return nil, errors.New("trigger path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &TriggerWatcher{
		path:    abs,
		monitor: monitor,
		log:     logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start watches the trigger file's directory, creating it if needed. The
// directory is watched rather than the file so the trigger may be created,
// replaced or removed freely.
func (tw *TriggerWatcher) Start() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.running {
		return errors.New("trigger watcher already running")
	}
	dir := filepath.Dir(tw.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := tw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	tw.running = true
	tw.wg.Add(1)
	go tw.loop()
	return nil
}

func (tw *TriggerWatcher) Close() error {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return tw.watcher.Close()
	}
	tw.running = false
	tw.mu.Unlock()

	close(tw.done)
	err := tw.watcher.Close()
	tw.wg.Wait()
	return err
}

func (tw *TriggerWatcher) loop() {
	defer tw.wg.Done()
	for {
		select {
		case <-tw.done:
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != tw.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			tw.log.Debug().Str("path", tw.path).Str("op", event.Op.String()).Msg("sync trigger fired")
			tw.monitor.RequestSync()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.log.Warn().Err(err).Str("path", tw.path).Msg("trigger watcher error")
		}
	}
}

// Touch writes the current time to the trigger file.
func Touch(path string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339Nano)+"\n"), 0o644)
}

package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// PeerWatcher reloads a config file when it changes on disk and reports
// changes to the cluster peer list. Other settings need a restart.
type PeerWatcher struct {
	path     string
	debounce time.Duration
	onChange func(oldCfg, newCfg *Config)
	logger   logging.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}

	mu      sync.Mutex
	current *Config
}

// WatcherConfig configures a PeerWatcher.
type WatcherConfig struct {
	FilePath string
	Debounce time.Duration // Default: 200ms
	// OnPeersChange receives the previous and the reloaded configuration
	// when their peer lists differ.
	OnPeersChange func(oldCfg, newCfg *Config)
	Logger        logging.Logger
}

// WatchPeers loads the file and starts watching it. The parent directory is
// watched so that editors replacing the file by rename are noticed.
func WatchPeers(cfg WatcherConfig) (*PeerWatcher, error) {
	if cfg.FilePath == "" {
		return nil, ErrMissingConfigFile
	}
	if cfg.OnPeersChange == nil {
		return nil, ErrMissingOnChange
	}
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	path := filepath.Clean(cfg.FilePath)
	current, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create file watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	w := &PeerWatcher{
		path:     path,
		debounce: debounce,
		onChange: cfg.OnPeersChange,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
		current:  current,
	}
	go w.run()
	return w, nil
}

// Close stops watching and waits for a running reload to finish.
func (w *PeerWatcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

// Current returns the last valid configuration read from the file.
func (w *PeerWatcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *PeerWatcher) run() {
	defer close(w.done)
	name := filepath.Base(w.path)
	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Writes arrive in bursts; reload once they settle.
			settle = time.After(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "path", w.path, "error", err)
		case <-settle:
			settle = nil
			w.reload()
		}
	}
}

// reload reads the file and reports a changed peer list. Unreadable or
// invalid files are logged and skipped.
func (w *PeerWatcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	if errs := ValidateConfig(next); len(errs) > 0 {
		w.logger.Warn("reloaded config is invalid", "path", w.path, "error", errs[0], "count", len(errs))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if !PeersChanged(prev, next) {
		w.logger.Debug("config reloaded, peers unchanged", "path", w.path)
		return
	}
	w.onChange(prev, next)
}

// PeersChanged reports whether two configs list different cluster members.
func PeersChanged(oldCfg, newCfg *Config) bool {
	if len(oldCfg.Cluster.Peers) != len(newCfg.Cluster.Peers) {
		return true
	}
	old := make(map[PeerConfig]bool, len(oldCfg.Cluster.Peers))
	for _, p := range oldCfg.Cluster.Peers {
		old[p] = true
	}
	for _, p := range newCfg.Cluster.Peers {
		if !old[p] {
			return true
		}
	}
	return false
}

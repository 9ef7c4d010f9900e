// Package bootcfg loads the boot-time configuration named in
// SPEC_FULL.md's AMBIENT STACK section: slot map overrides, endpoint
// depths and the trace ring size, rendered as YAML the way
// internal/config's WingConfig renders wing.yaml, with an fsnotify
// watcher for live-reloading the policy rule file path it names.
package bootcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/klog"
)

// Slots is the deterministic control-endpoint slot map from spec.md §6,
// expressed as overridable fields so a boot config can relocate a
// service without a rebuild.
type Slots struct {
	ControlSend int `yaml:"control_send"`
	ControlRecv int `yaml:"control_recv"`
	VFSSend     int `yaml:"vfs_send"`
	VFSRecv     int `yaml:"vfs_recv"`
	PkgFSSend   int `yaml:"pkgfs_send"`
	PkgFSRecv   int `yaml:"pkgfs_recv"`
	PolicySend  int `yaml:"policy_send"`
	PolicyRecv  int `yaml:"policy_recv"`
	BundleSend  int `yaml:"bundle_send"`
	BundleRecv  int `yaml:"bundle_recv"`
	UpdateSend  int `yaml:"update_send"`
	UpdateRecv  int `yaml:"update_recv"`
	SvcMgrSend  int `yaml:"svcmgr_send"`
	SvcMgrRecv  int `yaml:"svcmgr_recv"`
	ExecSend    int `yaml:"exec_send"`
	ExecRecv    int `yaml:"exec_recv"`
	KeystoreSend int `yaml:"keystore_send"`
	KeystoreRecv int `yaml:"keystore_recv"`
	StateFSSend int `yaml:"statefs_send"`
	StateFSRecv int `yaml:"statefs_recv"`
	LogSend     int `yaml:"log_send"`
	LogRecv     int `yaml:"log_recv"`
	ReplySend   int `yaml:"reply_send"`
	ReplyRecv   int `yaml:"reply_recv"`
	RNGSend     int `yaml:"rng_send"`
	RNGRecv     int `yaml:"rng_recv"`
}

// defaultSlots matches spec.md §6's table exactly.
func defaultSlots() Slots {
	return Slots{
		ControlSend: 1, ControlRecv: 2,
		VFSSend: 3, VFSRecv: 4,
		PkgFSSend: 5, PkgFSRecv: 6,
		PolicySend: 7, PolicyRecv: 8,
		BundleSend: 9, BundleRecv: 10,
		UpdateSend: 11, UpdateRecv: 12,
		SvcMgrSend: 13, SvcMgrRecv: 14,
		ExecSend: 15, ExecRecv: 16,
		KeystoreSend: 17, KeystoreRecv: 18,
		StateFSSend: 19, StateFSRecv: 20,
		LogSend: 21, LogRecv: 22,
		ReplySend: 23, ReplyRecv: 24,
		RNGSend: 29, RNGRecv: 30,
	}
}

// Config is the boot-time configuration loaded from boot.yaml.
type Config struct {
	Slots          Slots  `yaml:"slots,omitempty"`
	EndpointDepth  int    `yaml:"endpoint_depth,omitempty"`
	TraceRingSize  int    `yaml:"trace_ring_size,omitempty"`
	PolicyRulePath string `yaml:"policy_rule_path,omitempty"`
}

func defaultConfig() *Config {
	return &Config{
		Slots:         defaultSlots(),
		EndpointDepth: 32,
		TraceRingSize: 8192,
	}
}

// Load reads boot.yaml from dir. A missing file is not an error — it
// returns defaultConfig(), mirroring LoadWingConfig's "no file yet"
// behavior.
func Load(dir string) (*Config, error) {
	cfg := defaultConfig()
	path := filepath.Join(dir, "boot.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("bootcfg: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to dir/boot.yaml.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bootcfg: mkdir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("bootcfg: marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "boot.yaml"), data, 0o644)
}

// Watcher reloads a Config's PolicyRulePath target whenever it changes
// on disk, without requiring a kernel restart — the same hot-reload
// shape the teacher would reach for with fsnotify, applied here to
// internal/services/policyd's rule file instead of a dashboard asset.
type Watcher struct {
	w  *fsnotify.Watcher
	mu sync.Mutex
	onReload func([]byte)
}

// NewWatcher starts watching path, invoking onReload with the file's
// new contents on every write/create event.
func NewWatcher(path string, onReload func([]byte)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bootcfg: fsnotify: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("bootcfg: watch %s: %w", path, err)
	}

	watcher := &Watcher{w: fw, onReload: onReload}
	go watcher.loop(path)
	return watcher, nil
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				klog.Warn("bootcfg: reload failed", "path", path, "err", err)
				continue
			}
			w.mu.Lock()
			w.onReload(data)
			w.mu.Unlock()
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			klog.Warn("bootcfg: watcher error", "err", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.w.Close() }

package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-directory/types"
)

const defaultLoadTimeout = 30 * time.Second

// ReloadFunc observes a reload attempt. err is set when the file could not be
// loaded; cfg is then the configuration still in use.
type ReloadFunc func(cfg *types.ServiceConfig, err error)

type snapshot struct {
	config *types.ServiceConfig
	parser *Parser
}

// ConfigurationManager serves the current configuration. When reload is
// enabled it watches the file while running and swaps in every version that
// loads and validates.
type ConfigurationManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	path   string
	loader *Loader

	current atomic.Pointer[snapshot]

	mu        sync.Mutex
	listeners []ReloadFunc

	running int32
	watcher *watcher
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	cm, err := newConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if err := cm.Load(); err != nil {
		cm.cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}
	return cm, nil
}

// NewStaticManager serves an already built configuration. Load and reload
// are no-ops.
func NewStaticManager(config *types.ServiceConfig) *ConfigurationManager {
	cm, _ := newConfigurationManager(context.Background(), "")
	cm.current.Store(&snapshot{config: config, parser: NewParser(nil)})
	return cm
}

func newConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	loader, err := NewLoader()
	if err != nil {
		return nil, types.WrapError(err, "failed to create loader")
	}

	mctx, cancel := context.WithCancel(ctx)
	return &ConfigurationManager{ctx: mctx, cancel: cancel, path: configPath, loader: loader}, nil
}

// Start begins watching the file when reload.enabled is set.
func (cm *ConfigurationManager) Start() error {
	if !atomic.CompareAndSwapInt32(&cm.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	rc := cm.GetConfig().Reload
	if cm.path == "" || rc == nil || !rc.Enabled {
		return nil
	}

	w, err := newWatcher(cm.path, rc.Debounce, cm.reload)
	if err != nil {
		atomic.StoreInt32(&cm.running, 0)
		return err
	}
	cm.watcher = w
	go w.run(cm.ctx)
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !atomic.CompareAndSwapInt32(&cm.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	cm.cancel()
	if cm.watcher != nil {
		return cm.watcher.close()
	}
	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return atomic.LoadInt32(&cm.running) == 1
}

// OnReload registers fn for every reload triggered by a file change.
func (cm *ConfigurationManager) OnReload(fn ReloadFunc) {
	cm.mu.Lock()
	cm.listeners = append(cm.listeners, fn)
	cm.mu.Unlock()
}

// Load reads and validates the file. The current configuration is kept when
// it fails.
func (cm *ConfigurationManager) Load() error {
	if cm.path == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(cm.ctx, defaultLoadTimeout)
	defer cancel()

	cfg, raw, err := cm.loader.LoadFromFile(ctx, cm.path)
	if err != nil {
		return types.WrapError(err, "failed to load configuration from file")
	}
	cm.current.Store(&snapshot{config: cfg, parser: NewParser(raw)})
	return nil
}

func (cm *ConfigurationManager) reload() {
	err := cm.Load()

	cm.mu.Lock()
	listeners := append([]ReloadFunc(nil), cm.listeners...)
	cm.mu.Unlock()

	cfg := cm.GetConfig()
	for _, fn := range listeners {
		fn(cfg, err)
	}
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	if s := cm.current.Load(); s != nil {
		return s.config
	}
	return nil
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	s := cm.current.Load()
	if s == nil {
		return defaultValue
	}
	return s.parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	s := cm.current.Load()
	if s == nil {
		return types.ErrConfigIsNil
	}
	return s.parser.GetAs(path, target)
}

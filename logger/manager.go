package logger

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-directory/types"
)

const TypeDefault = "default"

var customLoggerCreators sync.Map

// RegisterLogger makes a logger type selectable through logger.type.
func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators.Store(loggerName, creator)
}

// Manager is the service logger. Stop flushes buffered entries.
type Manager struct {
	logger  types.Logger
	running int32
}

func NewManager(_ context.Context, config types.ConfigManager) (*Manager, error) {
	cfg := config.GetConfig()
	if cfg.Logger == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	logger, err := createLogger(cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	m := &Manager{logger: logger}
	if zw, ok := logger.(*ZapWrapper); ok {
		// Manager methods add one frame between the caller and zap.
		m.logger = &ZapWrapper{Logger: zw.Logger.WithOptions(zap.AddCallerSkip(1)), level: zw.level}
	}

	m.Debug("Logger initialized", zap.String("level", cfg.Logger.Level), zap.String("type", loggerType(cfg.Logger)))
	return m, nil
}

func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	// Syncing a terminal returns EINVAL on some platforms; that is not a
	// lost entry.
	if syncer, ok := m.logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
	return nil
}

func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

// SetLevel changes the level at runtime when the underlying logger supports it.
func (m *Manager) SetLevel(level string) error {
	leveler, ok := m.logger.(interface{ SetLevel(string) error })
	if !ok {
		return types.Errorf(types.ErrInvalidParameter, "logger does not support level changes")
	}
	if err := leveler.SetLevel(level); err != nil {
		return err
	}
	m.Info("Log level changed", zap.String("level", level))
	return nil
}

func (m *Manager) Error(msg string, fields ...zap.Field) { m.logger.Error(msg, fields...) }
func (m *Manager) Warn(msg string, fields ...zap.Field)  { m.logger.Warn(msg, fields...) }
func (m *Manager) Info(msg string, fields ...zap.Field)  { m.logger.Info(msg, fields...) }
func (m *Manager) Debug(msg string, fields ...zap.Field) { m.logger.Debug(msg, fields...) }

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	m.logger.ErrorWithErrStack(msg, err, fields...)
}

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.logger.Log(lvl, msg, fields...)
}

func loggerType(config *types.LoggerConfig) string {
	if config.Type == "" {
		return TypeDefault
	}
	return config.Type
}

func createLogger(cfg *types.ServiceConfig) (types.Logger, error) {
	name := loggerType(cfg.Logger)
	if name == TypeDefault {
		return NewDefaultLogger(cfg.Logger, zap.String("service", cfg.Name), zap.String("version", cfg.Version))
	}

	creator, ok := customLoggerCreators.Load(name)
	if !ok {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", name)
	}
	return creator.(types.LoggerCreator)(cfg.Logger.Config)
}

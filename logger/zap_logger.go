package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"

	maxStackFrames = 16
)

// Options configure the default zap logger. They are read from logger.config.
type Options struct {
	Format   string `json:"format"`
	Output   string `json:"output"`
	File     string `json:"file"`
	Sampling bool   `json:"sampling"`
}

// Frames from these locations say nothing about where an error came from.
var skippedFrames = []string{
	"sai-directory/types.",
	"runtime.",
	"testing.tRunner",
	"asm_amd64.s",
	"asm_arm64.s",
}

// NewDefaultLogger builds a zap logger whose level can be changed while the
// service runs. Every entry carries the service name and version.
func NewDefaultLogger(config *types.LoggerConfig, baseFields ...zap.Field) (*ZapWrapper, error) {
	opts := &Options{Format: FormatConsole, Output: OutputStdout}
	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, opts); err != nil {
			return nil, types.Errorf(types.ErrLoggerConfigInvalid, "%v", err)
		}
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	zapConfig, err := buildConfig(opts, atomicLevel)
	if err != nil {
		return nil, err
	}

	built, err := zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.Fields(baseFields...))
	if err != nil {
		return nil, types.WrapError(err, "failed to build zap logger")
	}

	return &ZapWrapper{Logger: built, level: atomicLevel}, nil
}

func buildConfig(opts *Options, level zap.AtomicLevel) (zap.Config, error) {
	var zapConfig zap.Config
	switch opts.Format {
	case FormatConsole, "":
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	case FormatJSON:
		zapConfig = zap.NewProductionConfig()
		if !opts.Sampling {
			zapConfig.Sampling = nil
		}
	default:
		return zap.Config{}, types.Errorf(types.ErrLoggerConfigInvalid, "format: %s", opts.Format)
	}

	zapConfig.Level = level
	zapConfig.DisableStacktrace = true
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch opts.Output {
	case OutputStdout, "":
		zapConfig.OutputPaths = []string{OutputStdout}
		zapConfig.ErrorOutputPaths = []string{OutputStderr}
	case OutputStderr:
		zapConfig.OutputPaths = []string{OutputStderr}
		zapConfig.ErrorOutputPaths = []string{OutputStderr}
	case OutputFile:
		if err := ensureLogDir(opts.File); err != nil {
			return zap.Config{}, err
		}
		zapConfig.OutputPaths = []string{opts.File}
		zapConfig.ErrorOutputPaths = []string{opts.File}
	default:
		return zap.Config{}, types.Errorf(types.ErrLoggerConfigInvalid, "output: %s", opts.Output)
	}

	return zapConfig, nil
}

// ParseLevel accepts the zap level names plus "warning". An empty level is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}

	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, types.Errorf(types.ErrLoggerConfigInvalid, "level: %s", level)
	}
	return l, nil
}

func ensureLogDir(logFile string) error {
	if logFile == "" {
		return types.ErrLogFileIsEmpty
	}
	if strings.HasSuffix(logFile, string(os.PathSeparator)) {
		return types.ErrLogFileWrongFormat
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return types.WrapError(err, "failed to create log directory")
	}
	return nil
}

// ZapWrapper adapts *zap.Logger to types.Logger.
type ZapWrapper struct {
	Logger *zap.Logger
	level  zap.AtomicLevel
}

// NewZapWrapper wraps an existing logger. Its level cannot be changed later.
func NewZapWrapper(logger *zap.Logger) *ZapWrapper {
	return &ZapWrapper{Logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (z *ZapWrapper) Error(msg string, fields ...zap.Field) { z.Logger.Error(msg, fields...) }
func (z *ZapWrapper) Warn(msg string, fields ...zap.Field)  { z.Logger.Warn(msg, fields...) }
func (z *ZapWrapper) Info(msg string, fields ...zap.Field)  { z.Logger.Info(msg, fields...) }
func (z *ZapWrapper) Debug(msg string, fields ...zap.Field) { z.Logger.Debug(msg, fields...) }

func (z *ZapWrapper) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.Logger.Log(lvl, msg, fields...)
}

// ErrorWithErrStack logs err with the frames recorded by types.NewError, if
// any, as a "stack" field.
func (z *ZapWrapper) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.Logger.Error(msg, fields...)
		return
	}

	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.Error(err))
	if frames := stackFrames(err); len(frames) > 0 {
		all = append(all, zap.Strings("stack", frames))
	}
	all = append(all, fields...)

	z.Logger.Error(msg, all...)
}

// SetLevel changes the level of a logger built by NewDefaultLogger.
func (z *ZapWrapper) SetLevel(level string) error {
	if z.level == (zap.AtomicLevel{}) {
		return types.Errorf(types.ErrInvalidParameter, "logger level is fixed")
	}
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	z.level.SetLevel(l)
	return nil
}

func (z *ZapWrapper) Sync() error {
	return z.Logger.Sync()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackFrames returns the deepest recorded stack in err's chain as
// "function file:line" strings.
func stackFrames(err error) []string {
	var trace errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			trace = st.StackTrace()
		}
	}

	frames := make([]string, 0, len(trace))
	for _, f := range trace {
		frame := fmt.Sprintf("%n %s:%d", f, f, f)
		if skipFrame(fmt.Sprintf("%+s", f)) {
			continue
		}
		frames = append(frames, frame)
		if len(frames) == maxStackFrames {
			break
		}
	}
	return frames
}

func skipFrame(location string) bool {
	for _, s := range skippedFrames {
		if strings.Contains(location, s) {
			return true
		}
	}
	return false
}

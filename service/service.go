package service

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/sai"
	"github.com/saiset-co/sai-directory/types"
)

const (
	stopped int32 = iota
	starting
	running
	stopping
)

const (
	defaultStartTimeout    = time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// Service runs the directory: it brings the container's components up in
// dependency order, serves until it is told to stop, then takes them down in
// reverse.
type Service struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *sai.Container
	logger    types.Logger

	state int32
	ready chan struct{}
	done  chan struct{}
	hooks []func(ctx context.Context) error

	startTimeout    time.Duration
	shutdownTimeout time.Duration
}

// NewService loads configPath and builds every component.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, types.Categorize(types.ErrConfigNotFound, err)
	}

	cm, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to load configuration")
	}
	return NewFromConfig(ctx, cm)
}

func NewFromConfig(ctx context.Context, cm types.ConfigManager) (*Service, error) {
	container, err := sai.New(ctx, cm)
	if err != nil {
		return nil, types.WrapError(err, "failed to build components")
	}

	svcCtx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:             svcCtx,
		cancel:          cancel,
		container:       container,
		logger:          container.Logger,
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
		startTimeout:    defaultStartTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}, nil
}

func (s *Service) Container() *sai.Container {
	return s.container
}

// OnStarted registers a hook that runs after every component is up and
// before Ready is closed. A failing hook aborts Start.
func (s *Service) OnStarted(hook func(ctx context.Context) error) {
	s.hooks = append(s.hooks, hook)
}

// Ready is closed once Start has brought every component up.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Done is closed when Start returns after a successful start.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) Context() context.Context { return s.ctx }

func (s *Service) IsRunning() bool {
	return atomic.LoadInt32(&s.state) == running
}

// Start blocks until Stop is called, SIGINT, SIGTERM or SIGQUIT arrives, or
// the parent context ends.
func (s *Service) Start() (err error) {
	if !atomic.CompareAndSwapInt32(&s.state, stopped, starting) {
		return types.ErrServiceIsRunning
	}
	defer atomic.StoreInt32(&s.state, stopped)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Service panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = types.NewErrorf("service panic: %v", r)
		}
	}()

	s.logger.Info("Starting service")
	if err := s.bringUp(); err != nil {
		s.takeDown()
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(s.ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stopSignals()

	atomic.StoreInt32(&s.state, running)
	close(s.ready)
	s.logger.Info("Service started")

	<-sigCtx.Done()
	atomic.CompareAndSwapInt32(&s.state, running, stopping)

	if s.ctx.Err() == nil {
		s.logger.Info("Shutdown signal received")
		s.cancel()
	} else if types.IsError(s.ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("Service context deadline exceeded")
	}

	if err := s.takeDown(); err != nil {
		s.logger.Error("Service shutdown incomplete", zap.Error(err))
	}
	close(s.done)
	s.logger.Info("Service stopped")
	return nil
}

// Stop asks a running service to shut down. Start returns once it has.
func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.state, running, stopping) {
		return types.ErrServiceIsNotRunning
	}
	s.logger.Info("Stopping service")
	s.cancel()
	return nil
}

func (s *Service) bringUp() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	for _, st := range s.stages() {
		g, gctx := errgroup.WithContext(ctx)
		for _, comp := range st {
			comp := comp
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := comp.Start(); err != nil {
					return types.WrapError(err, "failed to start "+comp.name)
				}
				s.logger.Debug("Component started", zap.String("component", comp.name))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return types.Errorf(types.ErrTimeout, "component startup: %v", err)
			}
			return err
		}
	}

	for _, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			return types.WrapError(err, "startup hook failed")
		}
	}
	return nil
}

// takeDown stops running components stage by stage in reverse. A component
// that already stopped is not a failure.
func (s *Service) takeDown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	all := s.stages()
	var failed []error
	for i := len(all) - 1; i >= 0; i-- {
		results := make(chan error, len(all[i]))
		pending := 0
		for _, comp := range all[i] {
			if !comp.IsRunning() {
				continue
			}
			pending++
			go func(comp stageComponent) {
				err := comp.Stop()
				if err != nil && !types.IsError(err, types.ErrServerNotRunning) {
					results <- types.WrapError(err, comp.name)
					return
				}
				results <- nil
			}(comp)
		}

		for ; pending > 0; pending-- {
			select {
			case err := <-results:
				if err != nil {
					s.logger.Error("Component failed to stop", zap.Error(err))
					failed = append(failed, err)
				}
			case <-ctx.Done():
				return types.Errorf(types.ErrTimeout, "shutdown exceeded %s", s.shutdownTimeout)
			}
		}
	}

	if len(failed) > 0 {
		return types.NewErrorf("%d components failed to stop: %v", len(failed), failed)
	}
	return nil
}

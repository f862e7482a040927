package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/api/rest"
	"github.com/KevinKickass/OpenPressCore/internal/api/rpc"
	"github.com/KevinKickass/OpenPressCore/internal/api/websocket"
	"github.com/KevinKickass/OpenPressCore/internal/auth"
	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/dcon"
	"github.com/KevinKickass/OpenPressCore/internal/interfaces"
	"github.com/KevinKickass/OpenPressCore/internal/press"
	"github.com/KevinKickass/OpenPressCore/internal/scheduler"
	"github.com/KevinKickass/OpenPressCore/internal/sequencer"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/storage"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	bus      *statebus.Bus
	port     dcon.Port
	client   *dcon.Client
	daemon   *scheduler.Daemon
	programs *sequencer.Loader
	tokens   *auth.JWTHandler
	hub      *websocket.Hub
	pid      *config.PIDWatcher

	presses []*pressUnit
	byID    map[int]*pressUnit

	restServer *rest.Server
	grpcServer *grpc.Server

	cancelBackground context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager opens the bus and builds every press. db may be nil.
func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	port, err := openPort(cfg, logger)
	if err != nil {
		return nil, err
	}

	programs, err := sequencer.NewLoader(cfg.Control.ProgramsDir)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to create program loader: %w", err)
	}

	bus := statebus.New()
	client := dcon.NewClient(port, cfg.Serial.ResponseTimeout, cfg.Serial.Cooldown, logger)

	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		logger:       logger,
		bus:          bus,
		port:         port,
		client:       client,
		daemon:       scheduler.NewDaemon(bus, client, cfg.Hardware, cfg.Scheduler, logger),
		programs:     programs,
		tokens:       auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.TokenTTL),
		byID:         make(map[int]*pressUnit),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
	lm.hub = websocket.NewHub(logger, lm.tokens, lm)

	if !cfg.Auth.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	var pidConfig *config.PIDConfig
	lm.pid = config.NewPIDWatcher(cfg.Control.PIDFile, cfg.Control.PIDReloadInterval, func(c *config.PIDConfig) {
		pidConfig = c
		lm.applyTunings(c)
	}, logger)
	// Erstes Laden vor dem Aufbau der Pressen; ohne Datei gelten die Defaults
	if _, err := lm.pid.Check(); err != nil {
		logger.Warn("PID tunings not loaded, using defaults", zap.Error(err))
	}

	for i := range cfg.Hardware.Presses {
		hw := &cfg.Hardware.Presses[i]
		tuning := pidConfig.Press(hw.ID, len(hw.HeaterChannels))

		unit := newPressUnit(bus, hw, cfg, tuning, programs, logger)
		unit.controller.OnStateChange(lm.hub.PressStateChanged)
		if db != nil {
			unit.controller.SetRecorder(db)
		}

		lm.presses = append(lm.presses, unit)
		lm.byID[hw.ID] = unit
	}

	if db != nil {
		lm.daemon.SetQualityRecorder(db)
	}

	return lm, nil
}

func openPort(cfg *config.Config, logger *zap.Logger) (dcon.Port, error) {
	if cfg.Simulated() {
		logger.Warn("Serial link simulated, no hardware is driven")
		sim := dcon.NewSimulatedPort()
		seedSimulation(sim, &cfg.Hardware)
		return sim, nil
	}

	port, err := dcon.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
	if err != nil {
		return nil, err
	}
	logger.Info("Serial port opened",
		zap.String("port", cfg.Serial.Port),
		zap.Int("baud_rate", cfg.Serial.BaudRate))
	return port, nil
}

// seedSimulation releases every active-low safety input so a simulated
// press starts safe.
func seedSimulation(sim *dcon.SimulatedPort, hw *types.HardwareConfig) {
	inputs := make(map[string]uint16)
	for _, p := range hw.Presses {
		for _, b := range p.SafetyInputs {
			if b.Type == types.ActiveLow {
				inputs[b.Module] = b.Apply(inputs[b.Module], false)
			}
		}
	}
	for _, m := range hw.InputModules() {
		sim.SetInputs(m, inputs[m])
	}
	for m, v := range inputs {
		sim.SetInputs(m, v)
	}
}

func (lm *LifecycleManager) applyTunings(c *config.PIDConfig) {
	for _, u := range lm.presses {
		u.applyTuning(c.Press(u.hw.ID, len(u.hw.HeaterChannels)))
	}
	if len(lm.presses) > 0 {
		lm.logger.Info("PID tunings applied", zap.Int("presses", len(lm.presses)))
	}
}

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenPressCore",
		zap.Int("presses", len(lm.presses)),
		zap.Bool("simulated", lm.config.Simulated()),
		zap.Bool("database", lm.storage != nil))

	lm.daemon.Start()
	for _, u := range lm.presses {
		u.start()
	}
	lm.pid.Start()

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancelBackground = cancel
	go lm.hub.Run(ctx)
	go lm.hub.PublishStatus(ctx, lm.config.Server.StatusInterval)

	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.hub, lm.tokens)
	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	rpc.Register(lm.grpcServer, rpc.NewStateService(lm.bus, func(id int) bool {
		_, ok := lm.byID[id]
		return ok
	}, lm.logger))

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "presscore.State"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown stops the servers, joins every loop within the configured bound
// and then switches every output off directly on the link, whether or not
// the loops joined.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		lm.stopServers(ctx)

		joined := lm.stopLoops(lm.config.Server.LoopJoinTimeout)
		if !joined {
			lm.logger.Warn("Not every loop stopped in time, sweeping outputs anyway")
		}

		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		shutdownErr = lm.daemon.FinalSweep(sweepCtx)
		cancel()

		if err := lm.port.Close(); err != nil {
			lm.logger.Warn("Failed to close port", zap.Error(err))
		}
		if lm.storage != nil {
			lm.storage.Close()
		}

		lm.setState(StateStopped)
		close(lm.shutdownChan)
		lm.logger.Info("Shutdown complete")
	})

	return shutdownErr
}

func (lm *LifecycleManager) stopServers(ctx context.Context) {
	var wg sync.WaitGroup

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				lm.logger.Warn("REST API shutdown failed", zap.Error(err))
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				lm.grpcServer.Stop()
			}
		}()
	}

	wg.Wait()

	if lm.cancelBackground != nil {
		lm.cancelBackground()
	}
}

// stopLoops stops the press loops, then the bus scheduler, all within
// timeout. It reports whether everything joined.
func (lm *LifecycleManager) stopLoops(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	lm.pid.Stop()

	var stoppers []func()
	for _, u := range lm.presses {
		stoppers = append(stoppers, u.stoppers()...)
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, stop := range stoppers {
			wg.Add(1)
			go func(stop func()) {
				defer wg.Done()
				stop()
			}(stop)
		}
		wg.Wait()
		close(done)
	}()

	pressesJoined := true
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		pressesJoined = false
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return lm.daemon.Stop(remaining) && pressesJoined
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	active := 0
	for _, u := range lm.presses {
		if u.controller.State().Active() {
			active++
		}
	}

	status := interfaces.SystemStatus{
		State:      state.String(),
		Simulated:  lm.config.Simulated(),
		Database:   lm.storage != nil,
		PressCount: len(lm.presses),
		Active:     active,
	}
	if report, ok := lm.bus.Get(statebus.KeyDCONStats, nil).(dcon.QualityReport); ok {
		status.BusQuality = &report
	}
	return status
}

func (lm *LifecycleManager) Bus() *statebus.Bus {
	return lm.bus
}

func (lm *LifecycleManager) Press(id int) (interfaces.PressOperator, bool) {
	u, ok := lm.byID[id]
	if !ok {
		return nil, false
	}
	return u.controller, true
}

func (lm *LifecycleManager) PressStatuses() []press.PressStatus {
	out := make([]press.PressStatus, 0, len(lm.presses))
	for _, u := range lm.presses {
		out = append(out, u.controller.Status())
	}
	return out
}

func (lm *LifecycleManager) Runs(ctx context.Context, pressID, limit int) ([]storage.Run, error) {
	if lm.storage == nil {
		return nil, storage.ErrDisabled
	}
	return lm.storage.ListRuns(ctx, pressID, limit)
}

// Storage returns the storage client, nil without a database
func (lm *LifecycleManager) Storage() *storage.PostgresClient {
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

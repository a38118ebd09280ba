package provisioner

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/config"
)

const sweepTimeout = 15 * time.Second

// Monitor periodically re-checks the health of ready sandboxes and keeps
// their persisted last_health_check current. A sandbox that stops answering
// is marked failed so clients stop routing work to it.
type Monitor struct {
	prov   *Provisioner
	cfg    *config.MonitorConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewMonitor creates a Monitor. A nil config disables it.
func NewMonitor(prov *Provisioner, cfg *config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{prov: prov, cfg: cfg, logger: logger}
}

// Start schedules the health sweep. No-op when monitoring is disabled.
func (m *Monitor) Start() error {
	if m.cfg == nil || !m.cfg.Enabled {
		return nil
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.cfg.CronSchedule(), m.sweep); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("health monitor started", slog.String("schedule", m.cfg.CronSchedule()))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.logger.Info("health monitor stopped")
}

// sweep health-checks every ready sandbox once.
func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	states, err := m.prov.List()
	if err != nil {
		m.logger.Warn("health sweep listing agents", slog.String("error", err.Error()))
		return
	}

	for _, state := range states {
		if state.Status != StatusReady {
			continue
		}
		m.checkOne(ctx, state)
	}
}

func (m *Monitor) checkOne(ctx context.Context, state *BridgeState) {
	statePath := m.prov.ws.AgentStatePath(state.AgentID)

	start := time.Now()
	client, err := NewBridgeClient(state.Port, m.prov.metrics, m.logger)
	if err == nil {
		defer client.Close()
		if err = client.Connect(ctx); err == nil {
			_, err = client.Health(ctx)
		}
	}
	m.prov.metrics.RecordHealthCheck(time.Since(start).Seconds(), err == nil)

	if err == nil {
		state.LastHealthCheck = time.Now().UTC()
		if saveErr := SaveState(statePath, state); saveErr != nil {
			m.logger.Warn("persisting health check",
				slog.String("agent_id", state.AgentID),
				slog.String("error", saveErr.Error()),
			)
		}
		return
	}

	m.logger.Warn("ready sandbox failed health check",
		slog.String("agent_id", state.AgentID),
		slog.Int("port", state.Port),
		slog.String("error", err.Error()),
	)
	state.Status = StatusFailed
	if saveErr := SaveState(statePath, state); saveErr != nil {
		m.logger.Warn("persisting failed state",
			slog.String("agent_id", state.AgentID),
			slog.String("error", saveErr.Error()),
		)
	}
	if m.prov.metrics != nil {
		m.prov.metrics.ActiveSandboxes.Dec()
	}
}

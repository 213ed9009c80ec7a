package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultProbeSchedule runs the liveness probe twice a minute.
const DefaultProbeSchedule = "@every 30s"

// Prober periodically pings the upstream server. While the breaker is open,
// every Execute fails fast and nothing would ever close it again; a
// successful probe does.
type Prober struct {
	mgr    *Manager
	cron   *cron.Cron
	logger *zap.Logger
}

// NewProber schedules Manager.Ping. The schedule accepts standard cron
// expressions and descriptors such as "@every 30s".
func NewProber(mgr *Manager, schedule string, logger *zap.Logger) (*Prober, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("prober")

	p := &Prober{mgr: mgr, logger: logger}
	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})))

	if _, err := p.cron.AddFunc(schedule, p.Probe); err != nil {
		return nil, fmt.Errorf("prober: invalid schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start runs the schedule in the background.
func (p *Prober) Start() {
	p.cron.Start()
	p.logger.Info("upstream liveness probe started")
}

// Stop halts the schedule and waits for a running probe to finish.
func (p *Prober) Stop(ctx context.Context) {
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Probe runs one liveness check.
func (p *Prober) Probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.mgr.timeout)
	defer cancel()

	start := time.Now()
	if err := p.mgr.Ping(ctx); err != nil {
		p.logger.Warn("upstream liveness probe failed",
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("upstream liveness probe ok", zap.Duration("latency", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

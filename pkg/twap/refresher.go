package twap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher rolls every pair's checkpoint forward once per window, so a
// request always finds a checkpoint close to one window old.
type Refresher struct {
	engine *Engine
	logger *zap.Logger
	Cron   *cron.Cron
	Spec   string
}

// cronLogger routes cron's own logs through zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

// NewRefresher schedules RunOnce every engine window.
func NewRefresher(ctx context.Context, engine *Engine, logger *zap.Logger) (*Refresher, error) {
	if engine.Window() == 0 {
		return nil, errors.New("refresher needs a non-zero window")
	}
	r := &Refresher{
		engine: engine,
		logger: logger,
		Spec:   fmt.Sprintf("@every %ds", engine.Window()),
	}
	cl := cronLogger{s: logger.Named("cron").Sugar()}
	r.Cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	_, err := r.Cron.AddFunc(r.Spec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, time.Duration(engine.Window())*time.Second)
		defer cancel()
		if err := r.RunOnce(rctx); err != nil {
			logger.Error("Checkpoint refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RunOnce refreshes every configured pair and joins the failures.
func (r *Refresher) RunOnce(ctx context.Context) error {
	var errs []error
	for _, c := range r.engine.Currencies() {
		if err := r.engine.Refresh(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Refresher) Start() {
	r.Cron.Start()
	r.logger.Info("Checkpoint refresher started", zap.String("cronSpec", r.Spec))
}

// Stop waits for a running refresh to finish.
func (r *Refresher) Stop() {
	if r.Cron != nil {
		<-r.Cron.Stop().Done()
	}
}

package coremain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/worker"
)

// triggerSync signals connectivity restored to the controlling worker.
func (m *Swproxy) triggerSync(tag string) {
	ctx, cancel := context.WithTimeout(m.sc.Context(), time.Duration(m.cfg.Sync.Timeout)*time.Second)
	defer cancel()

	start := time.Now()
	err := m.runtime.Sync(ctx, tag)
	switch {
	case err == nil:
		m.logger.Debug("sync finished", zap.String("tag", tag), zap.Duration("elapsed", time.Since(start)))
	case errors.Is(err, worker.ErrNoActiveWorker):
		m.logger.Debug("sync skipped", zap.String("tag", tag), zap.Error(err))
	default:
		m.logger.Warn("sync failed", zap.String("tag", tag), zap.Error(err))
	}
}

// startSyncTriggers starts the cron schedules and the os signal listener.
func (m *Swproxy) startSyncTriggers() error {
	sc := m.cfg.Sync
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for tag, schedule := range map[string]string{
		worker.TagBackgroundSync: sc.BackgroundSync,
		worker.TagContentSync:    sc.ContentSync,
	} {
		if schedule == "" {
			continue
		}
		tag := tag
		if _, err := c.AddFunc(schedule, func() { m.triggerSync(tag) }); err != nil {
			return fmt.Errorf("invalid %s schedule %q, %w", tag, schedule, err)
		}
		m.logger.Info("sync scheduled", zap.String("tag", tag), zap.String("schedule", schedule))
	}

	if len(c.Entries()) > 0 {
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			c.Start()
			<-closeSignal
			<-c.Stop().Done()
		})
	}

	sigC := make(chan os.Signal, 1)
	if !notifySyncSignal(sigC) {
		return nil
	}
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		defer stopSyncSignal(sigC)
		for {
			select {
			case sig := <-sigC:
				m.logger.Info("sync signal received", zap.Stringer("signal", sig))
				m.triggerSync(worker.TagBackgroundSync)
			case <-closeSignal:
				return
			}
		}
	})
	return nil
}

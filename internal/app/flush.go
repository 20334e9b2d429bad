package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "rssbot/pkg/logx"
)

const defaultFlushSchedule = "@every 5m"

type flusher interface {
	Flush(ctx context.Context) error
}

// flushJob retries failed known-set saves on a cron schedule.
type flushJob struct {
	mu   sync.Mutex
	log  logx.Logger
	eng  flusher
	c    *cron.Cron
	spec string
}

func newFlushJob(eng flusher, log logx.Logger) *flushJob {
	return &flushJob{eng: eng, log: log}
}

// Start (re)schedules the job. An empty spec uses the default.
func (j *flushJob) Start(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultFlushSchedule
	}

	// a bad schedule must leave the running job alone
	if _, err := cron.ParseStandard(spec); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil && j.spec == spec {
		return nil
	}
	if j.c != nil {
		<-j.c.Stop().Done()
		j.c = nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		fctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := j.eng.Flush(fctx); err != nil {
			j.log.Warn("known set flush failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	j.c = c
	j.spec = spec
	j.log.Debug("flush scheduled", logx.String("schedule", spec))
	return nil
}

func (j *flushJob) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

package app

import (
	"fmt"
	"strings"
	"time"

	"rssbot/internal/config"
	"rssbot/internal/eventbus"
	"rssbot/internal/feed"
	"rssbot/internal/notifier"
	"rssbot/internal/observability/status"
	"rssbot/internal/relay"
	rtsup "rssbot/internal/runtime/supervisor"
	"rssbot/internal/storage"
	"rssbot/internal/transport"
	"rssbot/internal/transport/matrix"
	"rssbot/internal/transport/telegram"
	logx "rssbot/pkg/logx"
)

// Options are the process arguments.
type Options struct {
	ConfigPath    string
	HomeserverURL string
	UserID        string
	Token         string
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter transport.Adapter
	store   storage.Store
	engine  *relay.Engine
	notif   *notifier.Service
	status  *status.Service
	flush   *flushJob

	prefix string
	events chan transport.Event
}

func NewApp(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	reqTimeout, err := config.ParseDurationOrDefault("matrix.request_timeout", cfg.Matrix.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := matrix.New(matrix.Config{
		HomeserverURL:  opts.HomeserverURL,
		UserID:         opts.UserID,
		Token:          opts.Token,
		CommandPrefix:  cfg.Matrix.CommandPrefix,
		AutoJoin:       cfg.Matrix.AutoJoin,
		RequestTimeout: reqTimeout,
	}, log.With(logx.String("comp", "matrix")))
	if err != nil {
		return nil, err
	}

	logSvc.SetSinks(alertSinks(cfg, ad, log)...)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, ad, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	concurrency, fetchTimeout, err := mapFetchLimits(cfg)
	if err != nil {
		return nil, err
	}
	var known relay.KnownStore
	if store != nil {
		known = store
	}
	eng := relay.New(relay.Options{
		Fetcher:      feed.NewFetcher(feed.Options{UserAgent: cfg.Fetch.UserAgent}),
		Store:        known,
		Dispatcher:   notif,
		Logger:       log.With(logx.String("comp", "relay")),
		Bus:          bus,
		Concurrency:  concurrency,
		FetchTimeout: fetchTimeout,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		store:   store,
		engine:  eng,
		notif:   notif,
		prefix:  cfg.Matrix.CommandPrefix,
		events:  make(chan transport.Event, 64),
	}
	a.status = status.New(mapStatusConfig(cfg), status.Deps{
		Engine:      eng,
		Notifier:    notif,
		Bus:         bus,
		Supervisors: a.supervisors,
		Healthy:     a.healthy,
	}, log.With(logx.String("comp", "status")))
	a.flush = newFlushJob(eng, log.With(logx.String("comp", "flush")))
	return a, nil
}

// alertSinks builds the operator alert targets. A broken target is logged
// and skipped.
func alertSinks(cfg *config.Config, sender transport.Sender, log logx.Logger) []logx.AlertSink {
	a := cfg.Logging.Alerts
	var sinks []logx.AlertSink
	if room := strings.TrimSpace(a.MatrixRoom); room != "" {
		sinks = append(sinks, matrix.NewAlertSink(sender, room))
	}
	if a.Telegram.Token != "" {
		tg, err := telegram.NewAlertSink(telegram.Config{
			Token:    a.Telegram.Token,
			ChatID:   a.Telegram.ChatID,
			ThreadID: a.Telegram.ThreadID,
		})
		if err != nil {
			log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	return sinks
}

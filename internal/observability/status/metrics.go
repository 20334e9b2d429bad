package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rssbot/internal/eventbus"
)

// metrics keeps its own registry so several services (tests) can coexist.
type metrics struct {
	reg *prometheus.Registry

	fetches         *prometheus.CounterVec
	announced       prometheus.Counter
	messages        *prometheus.CounterVec
	persisted       prometheus.Counter
	scheduleChanges prometheus.Counter
}

func newMetrics(d Deps) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &metrics{
		reg: reg,
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rssbot_feed_fetches_total",
			Help: "Feed fetch attempts by result (ok, error).",
		}, []string{"result"}),
		announced: f.NewCounter(prometheus.CounterOpts{
			Name: "rssbot_entries_announced_total",
			Help: "New entries handed to the dispatcher.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rssbot_messages_total",
			Help: "Room notices by delivery result (sent, failed).",
		}, []string{"result"}),
		persisted: f.NewCounter(prometheus.CounterOpts{
			Name: "rssbot_known_persist_total",
			Help: "Successful writes of the known entry set.",
		}),
		scheduleChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "rssbot_schedule_changes_total",
			Help: "Effective schedule recomputations.",
		}),
	}

	if d.Engine != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rssbot_feeds_scheduled",
			Help: "Feeds in the effective schedule.",
		}, func() float64 { return float64(len(d.Engine.Snapshot().Feeds)) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rssbot_known_entries",
			Help: "Entry identifiers in the known set.",
		}, func() float64 { return float64(d.Engine.Snapshot().KnownCount) })
	}
	if d.Notifier != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rssbot_messages_pending",
			Help: "Notices queued for delivery.",
		}, func() float64 { return float64(d.Notifier.Stats().Pending) })
	}
	// pre-create label values so they export as 0
	m.fetches.WithLabelValues("ok")
	m.fetches.WithLabelValues("error")
	m.messages.WithLabelValues("sent")
	m.messages.WithLabelValues("failed")
	return m
}

func (m *metrics) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeFeedFetched:
		m.fetches.WithLabelValues("ok").Inc()
	case eventbus.TypeFeedFailed:
		m.fetches.WithLabelValues("error").Inc()
	case eventbus.TypeEntryAnnounced:
		m.announced.Inc()
	case eventbus.TypeKnownPersisted:
		m.persisted.Inc()
	case eventbus.TypeScheduleChanged:
		m.scheduleChanges.Inc()
	case eventbus.TypeMessageSent:
		m.messages.WithLabelValues("sent").Inc()
	case eventbus.TypeMessageFailed:
		m.messages.WithLabelValues("failed").Inc()
	}
}

package kyrtizanka

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "kyrtizanka"

// botMetrics are exported on the API server's /metrics endpoint. Each bot
// gets its own registry, so multiple instances (in tests) don't collide.
type botMetrics struct {
	registry *prometheus.Registry

	remindersCreated prometheus.Counter
	remindersFired   prometheus.Counter
	remindersRemoved prometheus.Counter

	votesCreated prometheus.Counter
	votesCast    prometheus.Counter
	votesClosed  prometheus.Counter
	votesPruned  prometheus.Counter

	interactions        *prometheus.CounterVec
	interactionsLimited prometheus.Counter
	gatewayConnects     prometheus.Counter
	gatewayDisconnects  prometheus.Counter
}

func newBotMetrics() *botMetrics {
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
		)
	}

	m := &botMetrics{
		registry:         prometheus.NewRegistry(),
		remindersCreated: counter("reminders", "created_total", "Reminders created"),
		remindersFired:   counter("reminders", "fired_total", "Reminders delivered"),
		remindersRemoved: counter("reminders", "removed_total", "Reminders removed by their owner"),
		votesCreated:     counter("votes", "created_total", "Votes started"),
		votesCast:        counter("votes", "cast_total", "Ballots cast, including changed votes"),
		votesClosed:      counter("votes", "closed_total", "Votes closed"),
		votesPruned:      counter("votes", "pruned_total", "Closed votes pruned"),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "interactions_total",
				Help:      "Discord interactions received, by type",
			},
			[]string{"type"},
		),
		interactionsLimited: counter("", "interactions_rate_limited_total", "Interactions rejected by the per-user rate limit"),
		gatewayConnects:     counter("discord", "connects_total", "Discord gateway connections"),
		gatewayDisconnects:  counter("discord", "disconnects_total", "Discord gateway disconnections"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.remindersCreated,
		m.remindersFired,
		m.remindersRemoved,
		m.votesCreated,
		m.votesCast,
		m.votesClosed,
		m.votesPruned,
		m.interactions,
		m.interactionsLimited,
		m.gatewayConnects,
		m.gatewayDisconnects,
	)
	return m
}

// registerGauges adds gauges which are read from the bot's live state
// at scrape time
func (m *botMetrics) registerGauges(k *Kyrtizanka) {
	gauge := func(subsystem, name, help string, fn func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			fn,
		)
	}
	m.registry.MustRegister(
		gauge(
			"scheduler", "pending_tasks", "Scheduled tasks waiting to fire",
			func() float64 { return float64(k.scheduler.Pending()) },
		),
		gauge(
			"reminders", "pending", "Reminders waiting to fire",
			func() float64 { return float64(k.reminders.Len()) },
		),
		gauge(
			"votes", "stored", "Votes in memory, open and closed",
			func() float64 { return float64(k.votes.Len()) },
		),
		gauge(
			"discord", "connected", "1 if connected to the discord gateway",
			func() float64 {
				if k.discord.connected.Load() {
					return 1
				}
				return 0
			},
		),
	)
}

// hookStores points the store callbacks at the counters
func (m *botMetrics) hookStores(reminders *ReminderStore, votes *VoteStore) {
	reminders.onCreate = m.remindersCreated.Inc
	reminders.onFire = m.remindersFired.Inc
	reminders.onRemove = m.remindersRemoved.Inc
	votes.onCreate = m.votesCreated.Inc
	votes.onCast = m.votesCast.Inc
}

func (m *botMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

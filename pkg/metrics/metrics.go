package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/synclab/collabd/internal/common/config"
)

// Metrics holds the prometheus collectors for the collaboration engine
type Metrics struct {
	registry *prometheus.Registry

	roomsActive   prometheus.Gauge
	clientsActive prometheus.Gauge

	messagesIn  *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	collabErrs  *prometheus.CounterVec
	permCache   *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

// New creates a metrics registry with the engine's collectors registered
func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	roomsActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "rooms_active"})
	clientsActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "clients_active"})
	messagesIn := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "client_messages_total"}, []string{"action"})
	broadcasts := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "broadcasts_total"}, []string{"action"})
	collabErrs := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "collab_errors_total"}, []string{"code"})
	permCache := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "permission_cache_total"}, []string{"result"})
	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "domain_events_total"}, []string{"action"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "event_queue_depth"})
	r.MustRegister(roomsActive, clientsActive, messagesIn, broadcasts, collabErrs, permCache, eventsTotal, queueDepth)

	return &Metrics{
		registry:      r,
		roomsActive:   roomsActive,
		clientsActive: clientsActive,
		messagesIn:    messagesIn,
		broadcasts:    broadcasts,
		collabErrs:    collabErrs,
		permCache:     permCache,
		eventsTotal:   eventsTotal,
		queueDepth:    queueDepth,
	}
}

// Registry exposes the underlying registry for an embedding process to serve
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RoomOpened()  { m.roomsActive.Inc() }
func (m *Metrics) RoomClosed()  { m.roomsActive.Dec() }
func (m *Metrics) ClientAdded() { m.clientsActive.Inc() }
func (m *Metrics) ClientGone()  { m.clientsActive.Dec() }

func (m *Metrics) ClientMessage(action string) { m.messagesIn.WithLabelValues(action).Inc() }
func (m *Metrics) Broadcast(action string)     { m.broadcasts.WithLabelValues(action).Inc() }
func (m *Metrics) CollabError(code string)     { m.collabErrs.WithLabelValues(code).Inc() }

func (m *Metrics) PermCacheHit()        { m.permCache.WithLabelValues("hit").Inc() }
func (m *Metrics) PermCacheMiss()       { m.permCache.WithLabelValues("miss").Inc() }
func (m *Metrics) PermCacheInvalidate() { m.permCache.WithLabelValues("invalidate").Inc() }

func (m *Metrics) DomainEvent(action string) { m.eventsTotal.WithLabelValues(action).Inc() }
func (m *Metrics) QueueDepth(n int)          { m.queueDepth.Set(float64(n)) }

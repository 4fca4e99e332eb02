package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gojam"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterCounter(name string)
	Run()
}

// metric is satisfied by both prometheus.Gauge and prometheus.Counter.
type metric interface {
	Add(float64)
}

type StatsUpdater struct {
	registry    *prometheus.Registry
	metrics     map[string]metric
	metricsLock sync.RWMutex
	updateChan  chan *metricsUpdateReq
	done        chan struct{}
	stopOnce    sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

// NewStatsUpdater creates a new stats updater instance and exposes its
// registry on GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry:   prometheus.NewRegistry(),
		metrics:    make(map[string]metric),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	startTime := time.Now()
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the server started",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			su.metricsLock.RLock()
			m, ok := su.metrics[req.name]
			su.metricsLock.RUnlock()
			if !ok {
				panic("metric not found: " + req.name)
			}

			m.Add(float64(req.value))
		case <-su.done:
			return
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

// Decr lowers a gauge. Counters only go up, so it must not be used on a
// name registered with RegisterCounter.
func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

// send drops the update once the updater is stopped.
func (su *StatsUpdater) send(req *metricsUpdateReq) {
	select {
	case <-su.done:
		return
	default:
	}

	select {
	case su.updateChan <- req:
	case <-su.done:
	}
}

// RegisterMetric registers a gauge under name. Registering the same name
// twice is a no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.register(name, func() metric {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
		})
		su.registry.MustRegister(g)
		return g
	})
}

// RegisterCounter registers a monotonic counter under name.
func (su *StatsUpdater) RegisterCounter(name string) {
	su.register(name, func() metric {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
		})
		su.registry.MustRegister(c)
		return c
	})
}

func (su *StatsUpdater) register(name string, create func() metric) {
	su.metricsLock.Lock()
	defer su.metricsLock.Unlock()

	if _, ok := su.metrics[name]; ok {
		return
	}
	su.metrics[name] = create()
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. Updates sent afterwards are discarded.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}

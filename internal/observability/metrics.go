package observability

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/registry"
)

// Fleet is the read side of the registry the collector samples on scrape.
type Fleet interface {
	ListPending(a auth.Actor) ([]registry.PendingDevice, error)
	ListGroups(a auth.Actor) ([]registry.Group, error)
}

// Metrics owns the process registry and the counters handlers bump.
type Metrics struct {
	Registry *prom.Registry

	checkIns    *prom.CounterVec
	actions     *prom.CounterVec
	httpLatency *prom.HistogramVec
	logins      *prom.CounterVec
}

func NewMetrics(fleet Fleet, version string, logger zerolog.Logger) *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		Registry: reg,
		checkIns: prom.NewCounterVec(prom.CounterOpts{
			Name: "dosi_checkins_total",
			Help: "Device check-ins by outcome.",
		}, []string{"outcome"}),
		actions: prom.NewCounterVec(prom.CounterOpts{
			Name: "dosi_operator_actions_total",
			Help: "Operator mutations by action and result.",
		}, []string{"action", "result"}),
		httpLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "dosi_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prom.DefBuckets,
		}, []string{"method", "code"}),
		logins: prom.NewCounterVec(prom.CounterOpts{
			Name: "dosi_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
	}
	buildInfo := prom.NewGauge(prom.GaugeOpts{
		Name:        "dosi_build_info",
		Help:        "Build information.",
		ConstLabels: prom.Labels{"version": version},
	})
	buildInfo.Set(1)
	reg.MustRegister(m.checkIns, m.actions, m.httpLatency, m.logins, buildInfo)
	if fleet != nil {
		reg.MustRegister(&fleetCollector{fleet: fleet, logger: logger})
	}
	return m
}

func (m *Metrics) CheckIn(outcome string) { m.checkIns.WithLabelValues(outcome).Inc() }

func (m *Metrics) Action(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.actions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Login(result string) { m.logins.WithLabelValues(result).Inc() }

func (m *Metrics) ObserveHTTP(method string, code int, d time.Duration) {
	m.httpLatency.WithLabelValues(method, strconv.Itoa(code)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

var (
	pendingDesc = prom.NewDesc("dosi_pending_devices", "Devices awaiting adoption.", nil, nil)
	adoptedDesc = prom.NewDesc("dosi_adopted_devices", "Adopted devices per group.", []string{"group"}, nil)
	groupsDesc  = prom.NewDesc("dosi_groups", "Number of groups.", nil, nil)
	scrapeDesc  = prom.NewDesc("dosi_fleet_scrape_errors", "1 if the last fleet scrape failed.", nil, nil)
)

type fleetCollector struct {
	fleet  Fleet
	logger zerolog.Logger
}

func (c *fleetCollector) Describe(ch chan<- *prom.Desc) {
	ch <- pendingDesc
	ch <- adoptedDesc
	ch <- groupsDesc
	ch <- scrapeDesc
}

func (c *fleetCollector) Collect(ch chan<- prom.Metric) {
	a := auth.System("metrics")
	failed := 0.0
	if pending, err := c.fleet.ListPending(a); err != nil {
		c.logger.Warn().Err(err).Msg("metrics: list pending")
		failed = 1
	} else {
		ch <- prom.MustNewConstMetric(pendingDesc, prom.GaugeValue, float64(len(pending)))
	}
	if groups, err := c.fleet.ListGroups(a); err != nil {
		c.logger.Warn().Err(err).Msg("metrics: list groups")
		failed = 1
	} else {
		ch <- prom.MustNewConstMetric(groupsDesc, prom.GaugeValue, float64(len(groups)))
		for _, g := range groups {
			ch <- prom.MustNewConstMetric(adoptedDesc, prom.GaugeValue, float64(g.Devices), g.Name)
		}
	}
	ch <- prom.MustNewConstMetric(scrapeDesc, prom.GaugeValue, failed)
}

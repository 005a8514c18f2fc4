package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// GroupMetrics about what peers of the device may observe (transport, ceremonies)
	GroupMetrics = prometheus.NewRegistry()

	// JournalFacts (Private) facts applied to a journal, by operation
	JournalFacts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_facts_applied",
		Help: "Number of facts applied to the local journals",
	}, []string{"op"})

	// JournalFinality (Private) finality promotions, by reached level
	JournalFinality = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_finality_promotions",
		Help: "Number of times a fact reached a higher finality level",
	}, []string{"level"})

	// JournalMerges (Private) remote journal states joined into a local one
	JournalMerges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "journal_merges",
		Help: "Number of remote journal snapshots merged",
	})

	// TransactionConflicts (Private) transactions rejected for a stale base epoch
	TransactionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "journal_transaction_conflicts",
		Help: "Number of journal transactions rejected on conflict",
	})

	// CapabilityEvaluations (Private) authority graph decisions
	CapabilityEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capability_evaluations",
		Help: "Number of capability evaluations, by decision",
	}, []string{"decision"})

	// CeremonyOutcomes (Group) terminal ceremony states, by flow
	CeremonyOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ceremony_outcomes",
		Help: "Number of ceremonies that reached a terminal state",
	}, []string{"flow", "outcome"})

	// CeremonyPhase (Group) last observed phase of the ceremonies of a flow
	CeremonyPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ceremony_phase",
		Help: "Phase of the latest ceremony per flow",
	}, []string{"flow"})

	// CeremonyPhaseTimestamp (Group) when the phase last changed
	CeremonyPhaseTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ceremony_phase_timestamp",
		Help: "Timestamp when the ceremony phase last changed",
	}, []string{"flow"})

	// ChoreographySteps (Private) executed choreography steps, by outcome
	ChoreographySteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "choreography_steps",
		Help: "Number of guarded choreography steps, by outcome",
	}, []string{"outcome"})

	// FlowConsumed (Private) flow budget units charged
	FlowConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flow_budget_consumed",
		Help: "Flow budget units charged to subjects",
	})

	// LeakageConsumed (Private) leakage budget units charged, by observer class
	LeakageConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leakage_budget_consumed",
		Help: "Leakage budget units charged, by observer class",
	}, []string{"observer"})

	// TransportMessages (Group) messages crossing the transport
	TransportMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_messages",
		Help: "Number of transport messages, by direction and topic",
	}, []string{"direction", "topic"})

	// TransportDialFailures (Group) how many failures connecting outbound
	TransportDialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dial_failures",
		Help: "Number of times there have been network connection issues",
	}, []string{"peer_address"})

	// SyncExchanges (Private) journal synchronisation messages handled
	SyncExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_exchanges",
		Help: "Number of journal sync messages, by kind",
	}, []string{"kind"})

	// StorageBackend (Group) which journal store the node runs
	StorageBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storage_backend",
		Help: "Journal storage backend in use",
	}, []string{"backend"})

	auraBuildTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aura_build_time",
		Help: "Timestamp when the binary was built in seconds since the Epoch",
		ConstLabels: map[string]string{
			"build":   common.COMMIT,
			"version": common.GetAppVersion().String(),
		},
	})

	// StartTimestamp (Group) when the node started
	StartTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aura_start_timestamp",
		Help: "Timestamp when the node started in seconds since the Epoch",
	})

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	// The private go-level metrics live in private.
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	private := []prometheus.Collector{
		JournalFacts,
		JournalFinality,
		JournalMerges,
		TransactionConflicts,
		CapabilityEvaluations,
		ChoreographySteps,
		FlowConsumed,
		LeakageConsumed,
		SyncExchanges,
	}
	for _, c := range private {
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}

	group := []prometheus.Collector{
		CeremonyOutcomes,
		CeremonyPhase,
		CeremonyPhaseTimestamp,
		TransportMessages,
		TransportDialFailures,
		StorageBackend,
		auraBuildTime,
		StartTimestamp,
	}
	for _, c := range group {
		if err := GroupMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}

	auraBuildTime.Set(float64(getBuildTimestamp(common.BUILDDATE)))
}

// Start starts a prometheus metrics server with debug endpoints. If metricsBind is 0 it will use an available port.
func Start(logger log.Logger, metricsBind string, withProfile bool) net.Listener {
	logger.Infow("metrics starting", "desired_port", metricsBind)

	metricsBound.Do(func() {
		bindMetrics(logger)
	})

	// handle metricsBind being just a port value
	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}
	//nolint:noctx
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	r.Handle("/metrics/group", promhttp.HandlerFor(GroupMetrics, promhttp.HandlerOpts{}))
	if withProfile {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Get("/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: r}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

func getBuildTimestamp(buildDate string) int64 {
	if buildDate == "" {
		return 0
	}

	layout := "02/01/2006@15:04:05"
	t, err := time.Parse(layout, buildDate)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// CeremonyPhaseChange records the phase a ceremony of flow just moved to.
func CeremonyPhaseChange(flow string, phase uint32) {
	CeremonyPhase.WithLabelValues(flow).Set(float64(phase))
	CeremonyPhaseTimestamp.WithLabelValues(flow).SetToCurrentTime()
}

// CeremonyFinished counts a terminal ceremony outcome.
func CeremonyFinished(flow, outcome string) {
	CeremonyOutcomes.WithLabelValues(flow, outcome).Inc()
}

// MessageSent and MessageReceived count transport traffic per topic.
func MessageSent(topic string) { TransportMessages.WithLabelValues("out", topic).Inc() }

func MessageReceived(topic string) { TransportMessages.WithLabelValues("in", topic).Inc() }

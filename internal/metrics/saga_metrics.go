package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики checkout saga. Все методы безопасны для nil-получателя.
type SagaMetrics struct {
	// Счётчики запусков и исходов
	sagaStarted  prometheus.Counter
	sagaOutcomes *prometheus.CounterVec

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	// Журнал событий
	eventsAppended  *prometheus.CounterVec
	appendConflicts prometheus.Counter

	// Склад и платёжный шлюз
	reservations   *prometheus.CounterVec
	gatewayCalls   *prometheus.CounterVec
	reconciliation prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в глобальном регистре prometheus.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в указанном регистре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_saga_started_total",
			Help: "Total number of checkout sagas started",
		}),
		sagaOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_saga_outcomes_total",
			Help: "Checkout saga outcomes grouped by final order status",
		}, []string{"status"}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "checkout_saga_duration_seconds",
			Help:    "Duration of a checkout saga run in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "checkout_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10, 20},
		}, []string{"step"}),
		eventsAppended: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_order_events_appended_total",
			Help: "Order events appended to the event log grouped by type",
		}, []string{"type"}),
		appendConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_order_event_conflicts_total",
			Help: "Optimistic concurrency conflicts on event append",
		}),
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_reservations_total",
			Help: "Reservation ledger operations grouped by result",
		}, []string{"result"}),
		gatewayCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_payment_gateway_calls_total",
			Help: "Payment gateway calls grouped by operation and result",
		}, []string{"operation", "result"}),
		reconciliation: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_reconciliation_required_total",
			Help: "Orders that captured payment after their reservations were gone",
		}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "checkout_active_sagas",
			Help: "Number of checkout sagas currently being driven",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSagaStarted увеличивает счётчик запущенных саг и число активных.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaFinished фиксирует исход и длительность прогона саги.
func (m *SagaMetrics) RecordSagaFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSagas.Dec()
	m.sagaOutcomes.WithLabelValues(status).Inc()
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordEventAppended увеличивает счётчик событий журнала.
func (m *SagaMetrics) RecordEventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// RecordAppendConflict увеличивает счётчик конфликтов последовательности.
func (m *SagaMetrics) RecordAppendConflict() {
	if m == nil {
		return
	}
	m.appendConflicts.Inc()
}

// RecordReservation фиксирует результат операции со складом.
func (m *SagaMetrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordGatewayCall фиксирует вызов платёжного шлюза.
func (m *SagaMetrics) RecordGatewayCall(operation, result string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(operation, result).Inc()
}

// RecordReconciliationRequired увеличивает счётчик заказов, требующих ручной сверки.
func (m *SagaMetrics) RecordReconciliationRequired() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}

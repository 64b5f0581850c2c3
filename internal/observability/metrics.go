package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messenger_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messenger_submissions_total", Help: "Message submissions by final status"},
		[]string{"status"},
	)
	CarrierSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "carrier_send_total", Help: "Carrier send outcomes"},
		[]string{"result", "http_status"},
	)
	CarrierLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "carrier_send_latency_seconds", Help: "Carrier send latency"},
	)
	DeliveryCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "carrier_delivery_callbacks_total", Help: "Delivery callbacks by result"},
		[]string{"result"},
	)
	DeliveryStatuses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "carrier_delivery_status_total", Help: "Applied delivery statuses"},
		[]string{"status"},
	)
	DeliveryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messenger_delivery_events_total", Help: "Delivery event publish results"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Submissions, CarrierSend, CarrierLatency, DeliveryCallbacks, DeliveryStatuses, DeliveryEvents)
}

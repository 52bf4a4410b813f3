package oracle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK          = "ok"
	outcomeUnavailable = "unavailable"
	outcomeMalformed   = "malformed"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabgraph",
	Subsystem: "oracle",
	Name:      "requests_total",
	Help:      "Suggestion oracle requests by task and outcome.",
}, []string{"task", "outcome"})

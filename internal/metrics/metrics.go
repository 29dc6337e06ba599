// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsReadTotal counts capture records read by format
	RecordsReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capdissect_records_read_total",
			Help: "Total number of capture records read",
		},
		[]string{"format"},
	)

	// RecordsWrittenTotal counts capture records written by format
	RecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capdissect_records_written_total",
			Help: "Total number of capture records written",
		},
		[]string{"format"},
	)

	// ReadErrorsTotal counts record read errors by kind
	ReadErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capdissect_read_errors_total",
			Help: "Total number of capture record read errors",
		},
		[]string{"format", "kind"},
	)

	// DecodeErrorsTotal counts protocol decode failures
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capdissect_decode_errors_total",
			Help: "Total number of protocol decode errors",
		},
		[]string{"protocol"},
	)

	// SMTPMessagesTotal counts SMTP message bodies reassembled
	SMTPMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capdissect_smtp_messages_total",
			Help: "Total number of SMTP message bodies reassembled",
		},
	)

	// RPCPDUsTotal counts DCE/RPC PDUs by packet type
	RPCPDUsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capdissect_dcerpc_pdus_total",
			Help: "Total number of DCE/RPC PDUs decoded",
		},
		[]string{"type"},
	)

	// ConversationsTracked tracks the number of live conversations per table
	ConversationsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capdissect_conversations_tracked",
			Help: "Current number of conversations tracked",
		},
		[]string{"table"},
	)

	// ReassemblyActiveFragments tracks active IP fragments awaiting reassembly
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capdissect_reassembly_active_fragments",
			Help: "Number of IP datagrams with fragments awaiting reassembly",
		},
	)
)

// Package pipeline runs capture records through L2-L4 decoding, TCP stream
// delivery and the protocol dissectors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/conversation"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/dcerpc"
	"firestige.xyz/capdissect/internal/decoder"
	"firestige.xyz/capdissect/internal/dfs"
	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/filter"
	"firestige.xyz/capdissect/internal/log"
	"firestige.xyz/capdissect/internal/metrics"
	"firestige.xyz/capdissect/internal/smtp"
	"firestige.xyz/capdissect/internal/spoolss"
)

// Protocol names reported in Result.Protocol.
const (
	ProtocolSMTP   = "smtp"
	ProtocolDCERPC = "dcerpc"
)

// DefaultDCERPCPorts are the endpoint mapper and SMB ports.
var DefaultDCERPCPorts = []uint16{135, 445}

// Result is one dissected unit: an SMTP segment or a DCE/RPC PDU.
type Result struct {
	Record    int // record that completed the unit
	Timestamp time.Time
	Key       conversation.Key // directed sender to receiver
	Protocol  string
	Tree      *field.Span
	Labels    core.Labels
	Err       error
}

// Sink receives results in capture order.
type Sink interface {
	Name() string
	Report(ctx context.Context, r *Result) error
	Flush(ctx context.Context) error
}

// Config contains pipeline configuration.
type Config struct {
	SMTPPorts     []uint16
	DCERPCPorts   []uint16
	MaxLineLength int
	Reassembly    decoder.ReassemblyConfig
	Filter        *filter.Matcher
	Sinks         []Sink
}

// Pipeline is a single-threaded processing chain for one capture at a
// time. Conversation state lives for one Run.
type Pipeline struct {
	decoder   *decoder.Decoder
	assembler *decoder.StreamAssembler
	smtp      *smtp.Dissector
	rpc       *dcerpc.Dissector
	rpcPorts  map[uint16]struct{}
	filter    *filter.Matcher
	sinks     []Sink
	metrics   *Metrics

	ctx     context.Context
	current int
	sinkErr error
}

// DefaultRegistry returns the DCE/RPC interfaces known to the pipeline.
func DefaultRegistry() *dcerpc.Registry {
	reg := dcerpc.NewRegistry()
	for _, i := range []dcerpc.Interface{spoolss.New(), dfs.New()} {
		if err := reg.Register(i); err != nil {
			panic(err)
		}
	}
	return reg
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if len(cfg.DCERPCPorts) == 0 {
		cfg.DCERPCPorts = DefaultDCERPCPorts
	}
	p := &Pipeline{
		decoder:  decoder.NewDecoder(cfg.Reassembly),
		smtp:     smtp.NewDissector(cfg.SMTPPorts, cfg.MaxLineLength),
		rpc:      dcerpc.NewDissector(DefaultRegistry()),
		rpcPorts: make(map[uint16]struct{}, len(cfg.DCERPCPorts)),
		filter:   cfg.Filter,
		sinks:    cfg.Sinks,
		metrics:  NewMetrics(),
	}
	for _, port := range cfg.DCERPCPorts {
		p.rpcPorts[port] = struct{}{}
	}
	p.assembler = decoder.NewStreamAssembler(p.deliver)
	return p
}

// Metrics returns the live counters.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Run processes every record of r. Record and decode errors are logged and
// counted; only a cancelled context or a failing sink stops the run.
func (p *Pipeline) Run(ctx context.Context, r *capfile.Reader) (Stats, error) {
	p.reset(ctx)
	defer p.reset(nil)

	logger := log.GetLogger().WithField("source", r.Source().Name())
	logger.WithField("format", r.Format().Name()).Debug("pipeline starting")

	for {
		if err := ctx.Err(); err != nil {
			return p.metrics.Snapshot(), err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.metrics.ReadErrors.Add(1)
			logger.WithError(err).Warn("skipping unreadable record")
			continue
		}
		p.metrics.Received.Add(1)
		p.current++
		p.processRecord(rec)
		if p.sinkErr != nil {
			return p.metrics.Snapshot(), p.sinkErr
		}
	}

	p.assembler.FlushAll()
	for _, s := range p.sinks {
		if err := s.Flush(ctx); err != nil && p.sinkErr == nil {
			p.sinkErr = fmt.Errorf("flush %s: %w", s.Name(), err)
		}
	}
	stats := p.metrics.Snapshot()
	logger.WithFields(map[string]interface{}{
		"records": stats.Received,
		"results": stats.Reported,
		"errors":  stats.DecodeErrors + stats.ParseErrors,
	}).Info("capture dissected")
	return stats, p.sinkErr
}

func (p *Pipeline) reset(ctx context.Context) {
	p.ctx = ctx
	p.current = 0
	p.sinkErr = nil
	p.assembler = decoder.NewStreamAssembler(p.deliver)
	p.decoder.Reassembler().Reset()
	p.smtp.Reset()
	p.rpc.Reset()
	if ctx != nil {
		p.metrics.Reset()
	}
}

// processRecord decodes one record and feeds TCP payloads to the assembler.
func (p *Pipeline) processRecord(rec *capfile.Record) {
	if p.filter != nil && rec.LinkType == layers.LinkTypeEthernet {
		ok, err := p.filter.Match(rec.Payload)
		if err == nil && !ok {
			p.metrics.Filtered.Add(1)
			return
		}
	}

	pkt, err := p.decoder.Decode(p.current, rec)
	switch {
	case errors.Is(err, decoder.ErrNotIP), errors.Is(err, decoder.ErrFragmentPending):
		p.metrics.Skipped.Add(1)
		return
	case err != nil:
		p.metrics.DecodeErrors.Add(1)
		metrics.DecodeErrorsTotal.WithLabelValues("link").Inc()
		log.GetLogger().WithField("record", p.current).WithError(err).Debug("decode failed")
		return
	}
	p.metrics.Decoded.Add(1)
	if pkt.IsTCP() && p.routed(pkt.Transport.SrcPort, pkt.Transport.DstPort) {
		p.assembler.Assemble(pkt)
	}
}

func (p *Pipeline) routed(sport, dport uint16) bool {
	if p.smtp.Match(sport, dport) {
		return true
	}
	_, s := p.rpcPorts[sport]
	_, d := p.rpcPorts[dport]
	return s || d
}

// deliver is the stream handler: in-order bytes of one TCP direction.
func (p *Pipeline) deliver(key conversation.Key, data []byte, seen time.Time, gap bool) {
	if gap {
		log.GetLogger().WithField("conversation", key.String()).Debug("stream resumed after missing bytes")
	}
	if p.smtp.Match(key.PortA, key.PortB) {
		seg := p.smtp.Feed(key.AddrA, key.PortA, key.AddrB, key.PortB, data)
		p.emit(&Result{
			Record:    p.current,
			Timestamp: seen,
			Key:       key,
			Protocol:  ProtocolSMTP,
			Tree:      seg.Tree,
			Labels:    seg.Labels,
		})
		return
	}
	for _, pdu := range p.rpc.Feed(key, data) {
		if pdu.Err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(ProtocolDCERPC).Inc()
		}
		p.emit(&Result{
			Record:    p.current,
			Timestamp: seen,
			Key:       key,
			Protocol:  ProtocolDCERPC,
			Tree:      pdu.Tree,
			Labels:    pdu.Labels,
			Err:       pdu.Err,
		})
	}
}

func (p *Pipeline) emit(r *Result) {
	if r.Err != nil {
		p.metrics.ParseErrors.Add(1)
		log.GetLogger().WithFields(map[string]interface{}{
			"record":   r.Record,
			"protocol": r.Protocol,
		}).WithError(r.Err).Debug("dissection incomplete")
	} else {
		p.metrics.Parsed.Add(1)
	}
	if p.sinkErr != nil {
		return
	}
	for _, s := range p.sinks {
		if err := s.Report(p.ctx, r); err != nil {
			p.metrics.ReportErrors.Add(1)
			p.sinkErr = fmt.Errorf("sink %s: %w", s.Name(), err)
			return
		}
	}
	p.metrics.Reported.Add(1)
}

package pipeline

import (
	"firestige.xyz/capdissect/internal/decoder"
	"firestige.xyz/capdissect/internal/filter"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithSMTPPorts sets the server ports routed to the SMTP dissector.
func (b *Builder) WithSMTPPorts(ports ...uint16) *Builder {
	b.config.SMTPPorts = ports
	return b
}

// WithDCERPCPorts sets the ports routed to the DCE/RPC dissector.
func (b *Builder) WithDCERPCPorts(ports ...uint16) *Builder {
	b.config.DCERPCPorts = ports
	return b
}

// WithMaxLineLength bounds SMTP command and reply lines.
func (b *Builder) WithMaxLineLength(n int) *Builder {
	b.config.MaxLineLength = n
	return b
}

// WithReassembly sets the IPv4 fragment reassembly limits.
func (b *Builder) WithReassembly(cfg decoder.ReassemblyConfig) *Builder {
	b.config.Reassembly = cfg
	return b
}

// WithFilter drops frames the matcher rejects before decoding.
func (b *Builder) WithFilter(m *filter.Matcher) *Builder {
	b.config.Filter = m
	return b
}

// WithSinks sets the result sinks.
func (b *Builder) WithSinks(sinks ...Sink) *Builder {
	b.config.Sinks = sinks
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}

package smtp

import (
	"bytes"
	"errors"
	"net/netip"
	"strconv"

	"firestige.xyz/capdissect/internal/conversation"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/log"
	"firestige.xyz/capdissect/internal/metrics"
)

// DefaultPorts are the server ports SMTP is recognized on.
var DefaultPorts = []uint16{25, 587}

// Reply is one server reply line.
type Reply struct {
	Code      int
	Continued bool
	Text      string
}

// Segment is the decoded view of one TCP payload.
type Segment struct {
	FromClient bool
	Key        conversation.Key
	Tree       *field.Span
	Labels     core.Labels
	Events     []Event
	Replies    []Reply
	Messages   [][]byte
}

type session struct {
	client  *Machine
	replies []byte
}

// Dissector keeps one session per client to server key. The key is
// direction sensitive so that each side of two interleaved conversations
// has its own state.
type Dissector struct {
	ports    map[uint16]struct{}
	maxLine  int
	sessions *conversation.Table[session]
}

// NewDissector creates a dissector for the given server ports. An empty port
// list selects DefaultPorts.
func NewDissector(ports []uint16, maxLine int) *Dissector {
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	d := &Dissector{
		ports:    make(map[uint16]struct{}, len(ports)),
		maxLine:  maxLine,
		sessions: conversation.NewTable[session]("smtp"),
	}
	for _, p := range ports {
		d.ports[p] = struct{}{}
	}
	return d
}

// Match reports whether a TCP segment between the ports belongs to SMTP.
func (d *Dissector) Match(sport, dport uint16) bool {
	_, s := d.ports[sport]
	_, t := d.ports[dport]
	return s || t
}

// Sessions returns the number of tracked conversations.
func (d *Dissector) Sessions() int { return d.sessions.Len() }

// Reset discards all sessions.
func (d *Dissector) Reset() { d.sessions.Reset() }

// State returns the reassembly state of the client stream for key, which
// must be a client to server key.
func (d *Dissector) State(key conversation.Key) (State, bool) {
	s, ok := d.sessions.Get(key)
	if !ok {
		return AwaitingLine, false
	}
	return s.client.State(), true
}

// Snapshot returns the carried state of the client stream for key.
func (d *Dissector) Snapshot(key conversation.Key) (Snapshot, bool) {
	s, ok := d.sessions.Get(key)
	if !ok {
		return Snapshot{}, false
	}
	return s.client.Snapshot(), true
}

// Feed decodes one TCP payload sent from src to dst. Payloads must arrive in
// stream order per direction.
func (d *Dissector) Feed(src netip.Addr, sport uint16, dst netip.Addr, dport uint16, payload []byte) *Segment {
	_, toServer := d.ports[dport]
	key := conversation.Directed(src, sport, dst, dport, core.ProtoTCP)
	if !toServer {
		key = key.Reverse()
	}
	s, created := d.sessions.LookupOrCreate(key, func() *session {
		return &session{client: NewMachine(d.maxLine)}
	})
	if created {
		log.GetLogger().WithField("conversation", key.String()).Debug("smtp session started")
	}

	seg := &Segment{
		FromClient: toServer,
		Key:        key,
		Tree:       field.NewComposite("smtp", 0),
		Labels:     core.Labels{},
	}
	seg.Tree.Length = len(payload)
	if toServer {
		d.client(s, seg, payload)
	} else {
		d.server(s, seg, payload)
	}
	return seg
}

func (d *Dissector) client(s *session, seg *Segment, payload []byte) {
	m := s.client
	start := m.Consumed() + int64(m.Buffered())
	rel := func(off int64) int {
		if off < start {
			return 0
		}
		return int(off - start)
	}

	seg.Events = m.Feed(payload)
	for _, ev := range seg.Events {
		off := rel(ev.Offset)
		switch ev.Kind {
		case EventCommand:
			req := seg.Tree.Append(field.NewComposite("smtp.req", off))
			req.Length = ev.Length
			req.Append(field.NewString("smtp.req.command", off, len(ev.Verb), ev.Verb))
			if ev.Parameter != "" {
				req.Append(field.NewString("smtp.req.parameter", off+len(ev.Verb)+1, len(ev.Parameter), ev.Parameter))
			}
			seg.Labels[core.LabelSMTPCommand] = ev.Verb
			if ev.Parameter != "" {
				seg.Labels[core.LabelSMTPParameter] = ev.Parameter
			} else {
				delete(seg.Labels, core.LabelSMTPParameter)
			}
		case EventBodyFragment:
			seg.Tree.Append(&field.Span{
				Label:  "smtp.data.fragment",
				Offset: off,
				Length: ev.Length,
				Kind:   field.KindBytes,
				Value:  ev.Data,
			})
		case EventMessageComplete:
			eom := off - (len(terminator) - 2)
			if eom < 0 {
				eom = 0
			}
			seg.Tree.Append(field.NewBool("smtp.eom", eom, off-eom, true))
			seg.Messages = append(seg.Messages, ev.Data)
			seg.Labels[core.LabelSMTPBodyLen] = strconv.Itoa(len(ev.Data))
			metrics.SMTPMessagesTotal.Inc()
		case EventUnrecognized:
			seg.Tree.Append(&field.Span{
				Label:  "smtp.unrecognized",
				Offset: off,
				Length: ev.Length,
				Kind:   field.KindBytes,
				Value:  ev.Data,
			})
			log.GetLogger().WithField("conversation", seg.Key.String()).
				WithField("length", ev.Length).Debug("unrecognized smtp client line")
		}
	}
	if n := min(m.Buffered(), len(payload)); n > 0 {
		seg.Tree.Append(field.NewString("smtp.partial", len(payload)-n, n, "awaiting end of line"))
	}
}

func (d *Dissector) server(s *session, seg *Segment, payload []byte) {
	carried := len(s.replies)
	buf := append(s.replies, payload...)
	s.replies = nil

	c := field.NewCursor(buf)
	for c.Remaining() > 0 {
		start := c.Offset()
		line, span, err := c.ReadLine("smtp.response", crlf, d.maxLineLength())
		if err != nil {
			if errors.Is(err, core.ErrOutOfBounds) {
				s.replies = append([]byte(nil), buf[start:]...)
				break
			}
			metrics.DecodeErrorsTotal.WithLabelValues("smtp").Inc()
			off := max(start-carried, 0)
			seg.Tree.Append(&field.Span{
				Label:  "smtp.unrecognized",
				Offset: off,
				Length: len(payload) - off,
				Kind:   field.KindBytes,
				Value:  bytes.Clone(buf[start:]),
			})
			log.GetLogger().WithField("conversation", seg.Key.String()).
				WithField("length", len(buf)-start).Debug("unrecognized smtp server line")
			break
		}
		off := start - carried
		if off < 0 {
			off = 0
		}
		rsp := seg.Tree.Append(field.NewComposite("smtp.response", off))
		rsp.Length = span.Length
		reply, ok := parseReply(line)
		if !ok {
			rsp.Append(field.NewString("smtp.rsp.parameter", off, len(line), string(line)))
			continue
		}
		rsp.Append(&field.Span{Label: "smtp.response.code", Offset: off, Length: 3, Kind: field.KindUint, Value: uint64(reply.Code)})
		if reply.Text != "" {
			rsp.Append(field.NewString("smtp.rsp.parameter", off+4, len(reply.Text), reply.Text))
		}
		seg.Replies = append(seg.Replies, reply)
		seg.Labels[core.LabelSMTPResponse] = strconv.Itoa(reply.Code)
	}
}

func (d *Dissector) maxLineLength() int {
	if d.maxLine <= 0 {
		return DefaultMaxLineLength
	}
	return d.maxLine
}

// parseReply splits "250-text" or "250 text" into its parts.
func parseReply(line []byte) (Reply, bool) {
	if len(line) < 3 {
		return Reply{}, false
	}
	code := 0
	for _, b := range line[:3] {
		if b < '0' || b > '9' {
			return Reply{}, false
		}
		code = code*10 + int(b-'0')
	}
	r := Reply{Code: code}
	if len(line) > 3 {
		r.Continued = line[3] == '-'
		r.Text = string(line[4:])
	}
	return r, true
}

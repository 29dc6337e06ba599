// Package smtp reassembles SMTP client streams into commands and message
// bodies and decodes server replies.
package smtp

import (
	"bytes"
	"errors"
	"strings"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
)

// State is the reassembly state of one client stream.
type State int

const (
	AwaitingLine State = iota
	ReadingBody
	EndOfBodyPending
)

func (s State) String() string {
	switch s {
	case AwaitingLine:
		return "AwaitingLine"
	case ReadingBody:
		return "ReadingBody"
	case EndOfBodyPending:
		return "EndOfBodyPending"
	}
	return "Unknown"
}

// EventKind tells what an Event carries.
type EventKind int

const (
	EventCommand EventKind = iota
	EventBodyFragment
	EventMessageComplete
	EventUnrecognized
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventBodyFragment:
		return "body_fragment"
	case EventMessageComplete:
		return "message_complete"
	case EventUnrecognized:
		return "unrecognized"
	}
	return "unknown"
}

// Event is one unit of output from the machine. Offset is the position of
// the first byte in the client stream.
type Event struct {
	Kind      EventKind
	Offset    int64
	Length    int
	Verb      string
	Parameter string
	Data      []byte
}

// Snapshot is the per-conversation state carried between segments.
type Snapshot struct {
	ReadingBody      bool
	TrailingCRLFSeen bool
	BodyCommandSeen  bool
}

// DefaultMaxLineLength bounds a buffered command line.
const DefaultMaxLineLength = 4096

var (
	crlf       = []byte("\r\n")
	terminator = []byte("\r\n.\r\n")
	// failure function of terminator
	terminatorPi = [...]int{0, 0, 0, 1, 2}

	extensionCommands = []string{"X-EXPS ", "X-LINK2STATE ", "XEXCH50 "}
)

// Machine reassembles one client to server byte stream. It is push based:
// Feed never blocks and returns whatever became complete.
type Machine struct {
	maxLine int

	pending []byte
	offset  int64 // stream offset of pending[0]

	reading  bool
	match    int
	body     []byte
	dataSeen bool
}

// NewMachine returns a machine in AwaitingLine. maxLine <= 0 selects
// DefaultMaxLineLength.
func NewMachine(maxLine int) *Machine {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Machine{maxLine: maxLine}
}

// State reports the current state.
func (m *Machine) State() State {
	if !m.reading {
		return AwaitingLine
	}
	if m.match > 2 || (m.match > 0 && len(m.body) > 0) {
		return EndOfBodyPending
	}
	return ReadingBody
}

// Snapshot returns the state flags carried across segments.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		ReadingBody:      m.reading,
		TrailingCRLFSeen: m.reading && m.match >= 2,
		BodyCommandSeen:  m.dataSeen,
	}
}

// Consumed returns the number of stream bytes fully processed.
func (m *Machine) Consumed() int64 { return m.offset }

// Buffered returns the number of bytes held back as a partial line.
func (m *Machine) Buffered() int { return len(m.pending) }

// Feed processes one segment. Partial command lines are kept until the rest
// arrives; body bytes are consumed immediately.
func (m *Machine) Feed(seg []byte) []Event {
	buf := seg
	if len(m.pending) > 0 {
		buf = append(m.pending, seg...)
		m.pending = nil
	}

	var events []Event
	pos := 0
	for pos < len(buf) {
		if m.reading {
			n, done := m.scanBody(buf[pos:])
			events = append(events, Event{
				Kind:   EventBodyFragment,
				Offset: m.offset + int64(pos),
				Length: n,
				Data:   bytes.Clone(buf[pos : pos+n]),
			})
			pos += n
			if done {
				body := m.body[:len(m.body)-(len(terminator)-2)]
				events = append(events, Event{
					Kind:   EventMessageComplete,
					Offset: m.offset + int64(pos),
					Length: len(body),
					Data:   body,
				})
				m.reading, m.match, m.body = false, 0, nil
			}
			continue
		}

		c := field.NewCursor(buf[pos:])
		line, span, err := c.ReadLine("smtp.line", crlf, m.maxLine)
		if err != nil {
			if errors.Is(err, core.ErrLineTooLong) {
				events = append(events, Event{
					Kind:   EventUnrecognized,
					Offset: m.offset + int64(pos),
					Length: len(buf) - pos,
					Data:   bytes.Clone(buf[pos:]),
				})
				pos = len(buf)
			}
			break
		}
		events = append(events, m.line(line, m.offset+int64(pos), span.Length))
		pos += span.Length
	}

	if pos < len(buf) {
		m.pending = bytes.Clone(buf[pos:])
	}
	m.offset += int64(pos)
	return events
}

// scanBody appends bytes to the body until the terminator completes. It
// returns how many bytes of p belong to the body and whether the message is
// complete.
func (m *Machine) scanBody(p []byte) (int, bool) {
	for i, b := range p {
		for m.match > 0 && terminator[m.match] != b {
			m.match = terminatorPi[m.match-1]
		}
		if terminator[m.match] == b {
			m.match++
		}
		if m.match == len(terminator) {
			m.body = append(m.body, p[:i+1]...)
			return i + 1, true
		}
	}
	m.body = append(m.body, p...)
	return len(p), false
}

func (m *Machine) line(line []byte, offset int64, length int) Event {
	if !isCommand(line, m.dataSeen) {
		return Event{Kind: EventUnrecognized, Offset: offset, Length: length, Data: bytes.Clone(line)}
	}
	verb, param := splitCommand(line)
	if verb == "DATA" {
		m.reading = true
		m.dataSeen = true
		// the DATA line's CRLF counts as the terminator's leading CRLF
		m.match = 2
	}
	return Event{Kind: EventCommand, Offset: offset, Length: length, Verb: verb, Parameter: param, Data: bytes.Clone(line)}
}

// isCommand classifies a complete client line.
func isCommand(line []byte, dataSeen bool) bool {
	if len(line) >= 4 && isAlpha(line[:4]) && (len(line) == 4 || line[4] == ' ') {
		return true
	}
	for _, ext := range extensionCommands {
		if len(line) >= len(ext) && strings.EqualFold(string(line[:len(ext)]), ext) {
			return true
		}
	}
	return !dataSeen
}

func isAlpha(p []byte) bool {
	for _, b := range p {
		if (b < 'A' || b > 'Z') && (b < 'a' || b > 'z') {
			return false
		}
	}
	return true
}

func splitCommand(line []byte) (string, string) {
	s := string(line)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return strings.ToUpper(s[:i]), s[i+1:]
	}
	return strings.ToUpper(s), ""
}

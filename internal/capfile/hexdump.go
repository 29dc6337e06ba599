package capfile

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
)

// hexdumpFormat reads text traces saved from a router console session:
//
//	[No.     1] 12:00:01.250000 Len=60 Link=1
//	0000  00 11 22 33 44 55 66 77 88 99 aa bb cc dd ee ff  ."3DUfw........
//	0010  ...
//
// The signature may appear anywhere in the first PeekWindow bytes, so the
// format is probed after every magic-number format. Only the time of day is
// recorded; timestamps fall on 1970-01-01 UTC.
type hexdumpFormat struct{}

var (
	hexdumpSignature = []byte("[No.")
	hexdumpHeader    = regexp.MustCompile(`^\[No\.\s*(\d+)\]\s+(\d{2}):(\d{2}):(\d{2})(?:\.(\d{1,9}))?\s+Len=(\d+)(?:\s+Link=(\d+))?`)
	hexdumpLine      = regexp.MustCompile(`^([0-9A-Fa-f]{4,8})\s+(.*)$`)
)

func (*hexdumpFormat) Name() string        { return "hexdump" }
func (*hexdumpFormat) Description() string { return "Router console hex dump" }
func (*hexdumpFormat) Class() ProbeClass   { return ClassSignature }

func (*hexdumpFormat) Probe(src *Source) (RecordReader, bool, error) {
	head, err := src.Peek(PeekWindow)
	if err != nil {
		return nil, false, err
	}
	at := signatureAt(head)
	if at < 0 {
		return nil, false, nil
	}
	if err := src.Discard(at); err != nil {
		return nil, false, err
	}
	return &hexdumpReader{r: bufio.NewReader(src), linkType: layers.LinkTypeEthernet}, true, nil
}

// signatureAt returns the offset of the first signature starting a line.
func signatureAt(b []byte) int {
	off := 0
	for {
		i := bytes.Index(b[off:], hexdumpSignature)
		if i < 0 {
			return -1
		}
		at := off + i
		if at == 0 || b[at-1] == '\n' {
			return at
		}
		off = at + 1
	}
}

type hexdumpReader struct {
	r        *bufio.Reader
	linkType layers.LinkType
	// header line read while finishing the previous record
	next string
}

func (h *hexdumpReader) LinkType() layers.LinkType { return h.linkType }
func (*hexdumpReader) Snaplen() int                { return 0 }

func (h *hexdumpReader) readLine() (string, error) {
	if h.next != "" {
		line := h.next
		h.next = ""
		return line, nil
	}
	line, err := h.r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (h *hexdumpReader) Next() (*Record, error) {
	var m []string
	for m == nil {
		line, err := h.readLine()
		if err != nil {
			return nil, err
		}
		m = hexdumpHeader.FindStringSubmatch(line)
	}

	ts, err := timeOfDay(m[2], m[3], m[4], m[5])
	if err != nil {
		return nil, corrupt(err.Error())
	}
	length, err := strconv.Atoi(m[6])
	if err != nil || length < 0 || length > DefaultSnaplen {
		return nil, corrupt(fmt.Sprintf("record No. %s: length %s out of range", m[1], m[6]))
	}
	linkType := h.linkType
	if m[7] != "" {
		v, err := strconv.ParseUint(m[7], 10, 8)
		if err != nil {
			return nil, corrupt(fmt.Sprintf("record No. %s: link type %s out of range", m[1], m[7]))
		}
		linkType = layers.LinkType(v)
		if !knownLinkType(linkType) {
			return nil, unsupported(fmt.Sprintf("record No. %s: link type %d", m[1], v))
		}
	}

	data := make([]byte, 0, min(length, 4096))
	for len(data) < length {
		line, err := h.readLine()
		if err == io.EOF {
			return nil, truncated(fmt.Sprintf("record No. %s has %d of %d bytes", m[1], len(data), length))
		}
		if err != nil {
			return nil, err
		}
		if hexdumpHeader.MatchString(line) {
			h.next = line
			return nil, truncated(fmt.Sprintf("record No. %s has %d of %d bytes", m[1], len(data), length))
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lm := hexdumpLine.FindStringSubmatch(line)
		if lm == nil {
			return nil, corrupt(fmt.Sprintf("record No. %s: unparsable line %q", m[1], line))
		}
		off, _ := strconv.ParseUint(lm[1], 16, 32)
		if int(off) != len(data) {
			return nil, corrupt(fmt.Sprintf("record No. %s: offset %#x, expected %#x", m[1], off, len(data)))
		}
		want := min(16, length-len(data))
		fields := strings.Fields(lm[2])
		if len(fields) < want {
			return nil, corrupt(fmt.Sprintf("record No. %s: short line at %#x", m[1], off))
		}
		for _, f := range fields[:want] {
			b, err := hex.DecodeString(f)
			if err != nil || len(b) != 1 {
				return nil, corrupt(fmt.Sprintf("record No. %s: bad byte %q", m[1], f))
			}
			data = append(data, b[0])
		}
	}

	return &Record{
		Timestamp:      ts,
		CaptureLength:  len(data),
		OriginalLength: len(data),
		LinkType:       linkType,
		Payload:        data,
	}, nil
}

func timeOfDay(hh, mm, ss, frac string) (time.Time, error) {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	if h > 23 || m > 59 || s > 60 {
		return time.Time{}, fmt.Errorf("bad time %s:%s:%s", hh, mm, ss)
	}
	ns := 0
	if frac != "" {
		ns, _ = strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
	}
	return time.Unix(int64(h*3600+m*60+s), int64(ns)).UTC(), nil
}

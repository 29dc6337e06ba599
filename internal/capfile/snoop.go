package capfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
)

// Snoop files (RFC 1761) are big-endian throughout.
var snoopMagic = []byte("snoop\x00\x00\x00")

const (
	snoopHeaderLen       = 16
	snoopRecordHeaderLen = 24
	snoopMaxRecord       = 256 << 10
)

var snoopToLinkType = map[uint32]layers.LinkType{
	0: layers.LinkTypeEthernet, // IEEE 802.3
	2: layers.LinkTypeTokenRing,
	4: layers.LinkTypeEthernet,
	8: layers.LinkTypeFDDI,
}

type snoopFormat struct{}

func (*snoopFormat) Name() string        { return "snoop" }
func (*snoopFormat) Description() string { return "Sun snoop" }
func (*snoopFormat) Class() ProbeClass   { return ClassMagic }

func (*snoopFormat) Probe(src *Source) (RecordReader, bool, error) {
	head, err := src.Peek(snoopHeaderLen)
	if err != nil {
		return nil, false, err
	}
	if len(head) < snoopHeaderLen || !bytes.Equal(head[:8], snoopMagic) {
		return nil, false, nil
	}

	be := binary.BigEndian
	c := field.NewCursor(head)
	if _, err := c.Expect("snoop.magic", snoopMagic); err != nil {
		return nil, false, err
	}
	version, _, _ := c.ReadUint("snoop.version", 4, be)
	datalink, _, _ := c.ReadUint("snoop.datalink", 4, be)
	if version < 2 || version > 5 {
		return nil, false, core.Malformed("snoop.header", 8, "unsupported version %d", version)
	}
	linkType, ok := snoopToLinkType[uint32(datalink)]
	if !ok {
		return nil, false, fmt.Errorf("snoop datalink %d: %w", datalink, core.ErrUnsupportedEncap)
	}
	if err := src.Discard(snoopHeaderLen); err != nil {
		return nil, false, err
	}
	return &snoopReader{src: src, linkType: linkType}, true, nil
}

type snoopReader struct {
	src      *Source
	linkType layers.LinkType
	hdr      [snoopRecordHeaderLen]byte
}

func (s *snoopReader) LinkType() layers.LinkType { return s.linkType }
func (*snoopReader) Snaplen() int                { return 0 }

func (s *snoopReader) Next() (*Record, error) {
	n, err := io.ReadFull(s.src, s.hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, truncated(fmt.Sprintf("record header has %d of %d bytes", n, snoopRecordHeaderLen))
	}

	be := binary.BigEndian
	c := field.NewCursor(s.hdr[:])
	orig, _, _ := c.ReadUint("snoop.orig_len", 4, be)
	incl, _, _ := c.ReadUint("snoop.incl_len", 4, be)
	recLen, _, _ := c.ReadUint("snoop.rec_len", 4, be)
	_, _, _ = c.ReadUint("snoop.drops", 4, be)
	secs, _, _ := c.ReadUint("snoop.ts_sec", 4, be)
	usecs, _, _ := c.ReadUint("snoop.ts_usec", 4, be)

	if recLen < snoopRecordHeaderLen || recLen > snoopMaxRecord {
		return nil, truncated(fmt.Sprintf("record length %d out of range", recLen))
	}
	body := make([]byte, recLen-snoopRecordHeaderLen)
	if n, err := io.ReadFull(s.src, body); err != nil {
		return nil, truncated(fmt.Sprintf("record body has %d of %d bytes", n, len(body)))
	}
	if incl > uint64(len(body)) {
		return nil, corrupt(fmt.Sprintf("included length %d exceeds record length %d", incl, recLen))
	}
	if usecs >= 1000000 {
		return nil, corrupt(fmt.Sprintf("microseconds %d out of range", usecs))
	}
	return &Record{
		Timestamp:      time.Unix(int64(secs), int64(usecs)*1000).UTC(),
		CaptureLength:  int(incl),
		OriginalLength: int(orig),
		LinkType:       s.linkType,
		Payload:        body[:incl],
	}, nil
}

func (*snoopFormat) NewEncoder(w io.Writer, linkType layers.LinkType, _ int) (RecordWriter, error) {
	if linkType != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("snoop cannot store %s: %w", linkType, core.ErrUnsupportedEncap)
	}
	hdr := make([]byte, 0, snoopHeaderLen)
	hdr = append(hdr, snoopMagic...)
	hdr = binary.BigEndian.AppendUint32(hdr, 2)
	hdr = binary.BigEndian.AppendUint32(hdr, 4)
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}
	return &snoopWriter{w: w}, nil
}

type snoopWriter struct {
	w io.Writer
}

func (s *snoopWriter) Write(rec *Record) error {
	ts := rec.Timestamp
	if ts.Unix() < 0 || ts.Unix() > 0xffffffff {
		return fmt.Errorf("timestamp %s outside the snoop range", ts)
	}
	incl := len(rec.Payload)
	orig := rec.OriginalLength
	if orig < incl {
		orig = incl
	}
	pad := (4 - incl%4) % 4
	recLen := snoopRecordHeaderLen + incl + pad

	be := binary.BigEndian
	buf := make([]byte, 0, recLen)
	buf = be.AppendUint32(buf, uint32(orig))
	buf = be.AppendUint32(buf, uint32(incl))
	buf = be.AppendUint32(buf, uint32(recLen))
	buf = be.AppendUint32(buf, 0)
	buf = be.AppendUint32(buf, uint32(ts.Unix()))
	buf = be.AppendUint32(buf, uint32(ts.Nanosecond()/1000))
	buf = append(buf, rec.Payload...)
	buf = append(buf, make([]byte, pad)...)
	_, err := s.w.Write(buf)
	return err
}

func (*snoopWriter) Flush() error { return nil }

package capfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	pcapMagicMicros = 0xa1b2c3d4
	pcapMagicNanos  = 0xa1b23c4d
	pcapHeaderLen   = 24
)

// pcapFormat is the classic libpcap file. The microsecond and nanosecond
// variants are registered as separate formats so each has its own encoder.
type pcapFormat struct {
	nanos bool
}

func (f *pcapFormat) Name() string {
	if f.nanos {
		return "nsecpcap"
	}
	return "pcap"
}

func (f *pcapFormat) Description() string {
	if f.nanos {
		return "Wireshark/tcpdump/... - nanosecond pcap"
	}
	return "Wireshark/tcpdump/... - pcap"
}

func (*pcapFormat) Class() ProbeClass { return ClassMagic }

func (f *pcapFormat) Probe(src *Source) (RecordReader, bool, error) {
	head, err := src.Peek(pcapHeaderLen)
	if err != nil {
		return nil, false, err
	}
	if len(head) < pcapHeaderLen {
		return nil, false, nil
	}
	want := uint32(pcapMagicMicros)
	if f.nanos {
		want = pcapMagicNanos
	}
	if binary.LittleEndian.Uint32(head) != want && binary.BigEndian.Uint32(head) != want {
		return nil, false, nil
	}

	r, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, false, fmt.Errorf("pcap header: %w", err)
	}
	return &pcapReader{r: r}, true, nil
}

type pcapReader struct {
	r    *pcapgo.Reader
	lost bool
}

func (p *pcapReader) LinkType() layers.LinkType { return p.r.LinkType() }
func (p *pcapReader) Snaplen() int              { return int(p.r.Snaplen()) }

func (p *pcapReader) Next() (*Record, error) {
	if p.lost {
		return nil, io.EOF
	}
	data, ci, err := p.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		// The record header is inconsistent, so the next header cannot be
		// located.
		p.lost = true
		return nil, corrupt(err.Error())
	}
	return &Record{
		Timestamp:      ci.Timestamp,
		CaptureLength:  ci.CaptureLength,
		OriginalLength: ci.Length,
		LinkType:       p.r.LinkType(),
		Payload:        data,
	}, nil
}

func (f *pcapFormat) NewEncoder(w io.Writer, linkType layers.LinkType, snaplen int) (RecordWriter, error) {
	var pw *pcapgo.Writer
	if f.nanos {
		pw = pcapgo.NewWriterNanos(w)
	} else {
		pw = pcapgo.NewWriter(w)
	}
	if snaplen <= 0 {
		snaplen = DefaultSnaplen
	}
	if err := pw.WriteFileHeader(uint32(snaplen), linkType); err != nil {
		return nil, err
	}
	return &pcapWriter{w: pw}, nil
}

type pcapWriter struct {
	w *pcapgo.Writer
}

func (p *pcapWriter) Write(rec *Record) error {
	return p.w.WritePacket(captureInfo(rec), rec.Payload)
}

func (*pcapWriter) Flush() error { return nil }

// captureInfo maps a record onto gopacket's capture metadata. The payload
// is authoritative for the captured length.
func captureInfo(rec *Record) gopacket.CaptureInfo {
	ci := gopacket.CaptureInfo{
		Timestamp:     rec.Timestamp,
		CaptureLength: len(rec.Payload),
		Length:        rec.OriginalLength,
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	return ci
}

package capfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// section header block type, identical in both byte orders
const pcapngMagic = 0x0a0d0d0a

type pcapngFormat struct{}

func (*pcapngFormat) Name() string        { return "pcapng" }
func (*pcapngFormat) Description() string { return "Wireshark/... - pcapng" }
func (*pcapngFormat) Class() ProbeClass   { return ClassMagic }

func (*pcapngFormat) Probe(src *Source) (RecordReader, bool, error) {
	head, err := src.Peek(12)
	if err != nil {
		return nil, false, err
	}
	if len(head) < 12 || binary.LittleEndian.Uint32(head) != pcapngMagic {
		return nil, false, nil
	}
	bom := binary.LittleEndian.Uint32(head[8:])
	if bom != 0x1a2b3c4d && bom != 0x4d3c2b1a {
		return nil, false, nil
	}

	r, err := pcapgo.NewNgReader(src, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, false, fmt.Errorf("pcapng section header: %w", err)
	}
	return &pcapngReader{r: r}, true, nil
}

type pcapngReader struct {
	r    *pcapgo.NgReader
	lost bool
}

func (p *pcapngReader) LinkType() layers.LinkType { return p.r.LinkType() }

func (p *pcapngReader) Snaplen() int {
	if p.r.NInterfaces() == 0 {
		return 0
	}
	intf, err := p.r.Interface(0)
	if err != nil {
		return 0
	}
	return int(intf.SnapLength)
}

func (p *pcapngReader) Next() (*Record, error) {
	if p.lost {
		return nil, io.EOF
	}
	data, ci, err := p.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		p.lost = true
		return nil, corrupt(err.Error())
	}
	linkType := p.r.LinkType()
	if intf, err := p.r.Interface(ci.InterfaceIndex); err == nil {
		linkType = intf.LinkType
	}
	return &Record{
		Timestamp:      ci.Timestamp,
		CaptureLength:  ci.CaptureLength,
		OriginalLength: ci.Length,
		LinkType:       linkType,
		Payload:        data,
	}, nil
}

func (*pcapngFormat) NewEncoder(w io.Writer, linkType layers.LinkType, _ int) (RecordWriter, error) {
	nw, err := pcapgo.NewNgWriter(w, linkType)
	if err != nil {
		return nil, err
	}
	return &pcapngWriter{w: nw}, nil
}

type pcapngWriter struct {
	w *pcapgo.NgWriter
}

func (p *pcapngWriter) Write(rec *Record) error {
	return p.w.WritePacket(captureInfo(rec), rec.Payload)
}

func (p *pcapngWriter) Flush() error { return p.w.Flush() }

// Package spoolss decodes the print spooler RPC interface. It covers the
// operations whose stubs exercise deferred pointers, nested deferred lists
// and strings addressed relative to a structure start.
package spoolss

import (
	"fmt"

	"github.com/google/uuid"

	"firestige.xyz/capdissect/internal/dcerpc"
	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/ndr"
)

// Operation numbers.
const (
	OpEnumPrinters   uint16 = 0x00
	OpGetPrinterData uint16 = 0x1a
	OpClosePrinter   uint16 = 0x1d
	OpOpenPrinterEx  uint16 = 0x45
)

var interfaceUUID = uuid.MustParse("12345678-1234-abcd-ef00-0123456789ab")

var opNames = map[uint16]string{
	OpEnumPrinters:   "EnumPrinters",
	OpGetPrinterData: "GetPrinterData",
	OpClosePrinter:   "ClosePrinter",
	OpOpenPrinterEx:  "OpenPrinterEx",
}

// Keys stored on the call between request and response.
const (
	valueLevel = "level"
)

type opFunc func(d *ndr.Decoder, s *field.Span, call *dcerpc.Call) error

// Interface is the spoolss sub-dissector.
type Interface struct {
	requests  map[uint16]opFunc
	responses map[uint16]opFunc
}

// New returns the spoolss sub-dissector.
func New() *Interface {
	return &Interface{
		requests: map[uint16]opFunc{
			OpEnumPrinters:   enumPrintersRequest,
			OpGetPrinterData: getPrinterDataRequest,
			OpClosePrinter:   closePrinterRequest,
			OpOpenPrinterEx:  openPrinterExRequest,
		},
		responses: map[uint16]opFunc{
			OpEnumPrinters:   enumPrintersResponse,
			OpGetPrinterData: getPrinterDataResponse,
			OpClosePrinter:   closePrinterResponse,
			OpOpenPrinterEx:  openPrinterExResponse,
		},
	}
}

func (*Interface) UUID() uuid.UUID { return interfaceUUID }
func (*Interface) Version() uint16 { return 1 }
func (*Interface) Name() string    { return "SPOOLSS" }

func (*Interface) OpName(opnum uint16) string {
	if name, ok := opNames[opnum]; ok {
		return name
	}
	return fmt.Sprintf("Unknown operation %d", opnum)
}

// Decode decodes one request or response stub.
func (i *Interface) Decode(d *ndr.Decoder, parent *field.Span, call *dcerpc.Call) error {
	ops, suffix := i.responses, "_r"
	if call.Request {
		ops, suffix = i.requests, "_q"
	}
	fn, ok := ops[call.Opnum]
	if !ok {
		_, err := d.Bytes(parent, "spoolss.stub", d.Cursor().Remaining())
		return err
	}
	name := opNames[call.Opnum] + suffix
	_, err := d.StructAndReferents(parent, name, func(s *field.Span, _ *ndr.Queue) error {
		return fn(d, s, call)
	})
	return err
}

func enumPrintersRequest(d *ndr.Decoder, s *field.Span, call *dcerpc.Call) error {
	if _, err := d.Uint32(s, "spoolss.enumprinters.flags"); err != nil {
		return err
	}
	if err := pointerParam(d, s, "spoolss.servername", unistr2Referent("spoolss.servername")); err != nil {
		return err
	}
	level, err := d.Uint32(s, "spoolss.level")
	if err != nil {
		return err
	}
	call.Set(valueLevel, level)
	if err := pointerParam(d, s, "spoolss.buffer", bufferReferent(nil)); err != nil {
		return err
	}
	_, err = d.Uint32(s, "spoolss.offered")
	return err
}

func enumPrintersResponse(d *ndr.Decoder, s *field.Span, call *dcerpc.Call) error {
	var data bufferData
	if err := pointerParam(d, s, "spoolss.buffer", bufferReferent(&data)); err != nil {
		return err
	}
	if _, err := d.Uint32(s, "spoolss.needed"); err != nil {
		return err
	}
	returned, err := d.Uint32(s, "spoolss.returned")
	if err != nil {
		return err
	}
	if _, err := d.WError(s, "spoolss.rc"); err != nil {
		return err
	}

	level, known := call.Get(valueLevel)
	if !known || level != 1 || returned == 0 || data.span == nil {
		return nil
	}
	return decodeInfo1Array(d, data, int(returned))
}

func getPrinterDataRequest(d *ndr.Decoder, s *field.Span, _ *dcerpc.Call) error {
	if _, err := d.PolicyHandle(s, "spoolss.hnd"); err != nil {
		return err
	}
	if _, err := d.UNISTR2(s, "spoolss.printerdata.valuename"); err != nil {
		return err
	}
	_, err := d.Uint32(s, "spoolss.offered")
	return err
}

func getPrinterDataResponse(d *ndr.Decoder, s *field.Span, _ *dcerpc.Call) error {
	if _, err := d.Uint32(s, "spoolss.printerdata.type"); err != nil {
		return err
	}
	size, err := d.Uint32(s, "spoolss.printerdata.size")
	if err != nil {
		return err
	}
	if _, err := d.Bytes(s, "spoolss.printerdata.data", int(size)); err != nil {
		return err
	}
	if _, err := d.Uint32(s, "spoolss.needed"); err != nil {
		return err
	}
	_, err = d.WError(s, "spoolss.rc")
	return err
}

func closePrinterRequest(d *ndr.Decoder, s *field.Span, _ *dcerpc.Call) error {
	_, err := d.PolicyHandle(s, "spoolss.hnd")
	return err
}

func closePrinterResponse(d *ndr.Decoder, s *field.Span, _ *dcerpc.Call) error {
	if _, err := d.PolicyHandle(s, "spoolss.hnd"); err != nil {
		return err
	}
	_, err := d.WError(s, "spoolss.rc")
	return err
}

func openPrinterExRequest(d *ndr.Decoder, s *field.Span, _ *dcerpc.Call) error {
	if err := pointerParam(d, s, "spoolss.printername", unistr2Referent("spoolss.printername")); err != nil {
		return err
	}
	if _, err := d.StructAndReferents(s, "PRINTER_DEFAULT", func(pd *field.Span, q *ndr.Queue) error {
		return printerDefault(d, pd, q)
	}); err != nil {
		return err
	}
	if _, err := d.Uint32(s, "spoolss.userlevel"); err != nil {
		return err
	}
	return pointerParam(d, s, "spoolss.userlevel.ptr", userLevel1Referent)
}

func openPrinterExResponse(d *ndr.Decoder, s *field.Span, _ *dcerpc.Call) error {
	if _, err := d.PolicyHandle(s, "spoolss.hnd"); err != nil {
		return err
	}
	_, err := d.WError(s, "spoolss.rc")
	return err
}

// pointerParam decodes a top-level pointer parameter whose referent follows
// it directly on the wire.
func pointerParam(d *ndr.Decoder, s *field.Span, label string, fn ndr.Referent) error {
	_, err := d.StructAndReferents(s, label, func(ps *field.Span, q *ndr.Queue) error {
		_, err := d.DeferPointer(q, ps, "ptr", label, fn)
		return err
	})
	return err
}

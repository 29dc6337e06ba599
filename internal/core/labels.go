// Package core defines core types.
package core

// Labels represents key-value summary metadata attached by protocol dissectors.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelSMTPCommand   = "smtp.command"
	LabelSMTPParameter = "smtp.parameter"
	LabelSMTPResponse  = "smtp.response_code"
	LabelSMTPBodyLen   = "smtp.body_length" // Reassembled message body length (decimal)

	// DCE/RPC label constants
	LabelRPCPacketType = "dcerpc.pkt_type"
	LabelRPCCallID     = "dcerpc.call_id"
	LabelRPCInterface  = "dcerpc.interface" // Interface name resolved from the bind
	LabelRPCOpnum      = "dcerpc.opnum"
	LabelRPCOperation  = "dcerpc.operation" // Operation name from the sub-dissector
)

package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/capinfo"
	"firestige.xyz/capdissect/internal/config"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func writeCapture(t *testing.T, name string, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	w, err := capfile.Create(path, "pcap", layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	for i, f := range frames {
		require.NoError(t, w.Write(&capfile.Record{
			Timestamp:      epoch.Add(time.Duration(i) * time.Second),
			CaptureLength:  len(f),
			OriginalLength: len(f),
			LinkType:       layers.LinkTypeEthernet,
			Payload:        f,
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func tcpFrame(t *testing.T, fromClient, syn bool, seq uint32, payload string) []byte {
	t.Helper()
	client, server := net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}
	cmac := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	smac := net.HardwareAddr{0, 1, 2, 3, 4, 6}
	sport, dport := layers.TCPPort(40000), layers.TCPPort(25)
	if !fromClient {
		client, server = server, client
		cmac, smac = smac, cmac
		sport, dport = dport, sport
	}
	eth := &layers.Ethernet{SrcMAC: cmac, DstMAC: smac, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: client, DstIP: server}
	tcp := &layers.TCP{SrcPort: sport, DstPort: dport, Seq: seq, SYN: syn, ACK: !syn || !fromClient, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func readCount(t *testing.T, path string) int {
	t.Helper()
	r, err := capfile.Open(path)
	require.NoError(t, err)
	defer r.Close()
	n := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestRunStatsTable(t *testing.T) {
	path := writeCapture(t, "a.pcap",
		tcpFrame(t, true, true, 1, ""),
		tcpFrame(t, false, true, 9, ""),
	)
	cfg := config.Default()
	cfg.Capinfo.Output = capinfo.OutputTable
	cfg.Capinfo.Separator = ","

	var out bytes.Buffer
	require.NoError(t, runStats(context.Background(), cfg, capinfo.FieldPackets, []string{path}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "File name,Number of packets", lines[0])
	assert.Equal(t, path+",2", lines[1])
}

func TestRunStatsMissingFile(t *testing.T) {
	good := writeCapture(t, "a.pcap", tcpFrame(t, true, true, 1, ""))
	missing := filepath.Join(t.TempDir(), "missing.pcap")
	cfg := config.Default()
	cfg.Capinfo.Output = capinfo.OutputTable

	var out bytes.Buffer
	err := runStats(context.Background(), cfg, capinfo.FieldPackets, []string{missing, good}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), good)
}

func TestRunEdit(t *testing.T) {
	in := writeCapture(t, "in.pcap",
		tcpFrame(t, true, true, 1, ""),
		tcpFrame(t, false, true, 9, ""),
		tcpFrame(t, false, false, 10, "220 ready\r\n"),
	)
	out := filepath.Join(t.TempDir(), "out.pcap")

	editVerbose = true
	t.Cleanup(func() { editVerbose = false })

	opts, err := editOptions(config.Default(), []string{"2"})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, runEdit(context.Background(), in, out, opts, &buf))

	assert.Equal(t, 2, readCount(t, out))
	assert.Equal(t, "read 3, wrote 2 to 1 file(s)\n", buf.String())
}

func TestEditOptionsRejectsBadInput(t *testing.T) {
	_, err := editOptions(config.Default(), []string{"0"})
	assert.Error(t, err)

	editShift = "abc"
	t.Cleanup(func() { editShift = "" })
	_, err = editOptions(config.Default(), nil)
	assert.Error(t, err)
}

func TestRunDissect(t *testing.T) {
	path := writeCapture(t, "smtp.pcap",
		tcpFrame(t, true, true, 1000, ""),
		tcpFrame(t, false, true, 5000, ""),
		tcpFrame(t, false, false, 5001, "220 mx ESMTP\r\n"),
		tcpFrame(t, true, false, 1001, "EHLO a\r\n"),
	)

	var out bytes.Buffer
	require.NoError(t, runDissect(context.Background(), config.Default(), path, false, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "3 "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "4 "), lines[1])
	for _, l := range lines {
		assert.Contains(t, l, "SMTP")
	}
}

func TestRunDissectBadFilter(t *testing.T) {
	path := writeCapture(t, "smtp.pcap", tcpFrame(t, true, true, 1000, ""))
	cfg := config.Default()
	cfg.Dissect.Filter = "bogus filter ("

	err := runDissect(context.Background(), cfg, path, false, io.Discard)
	assert.Error(t, err)
}

func TestRunFormats(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runFormats(capfile.Default(), &out))

	s := out.String()
	assert.Contains(t, s, "pcapng")
	assert.Contains(t, s, "snoop")
	assert.Regexp(t, `hexdump\s+Router console hex dump\s+false`, s)
	assert.Contains(t, s, "Link types: ")
	assert.Contains(t, s, "ether")
}

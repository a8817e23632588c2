package conntrack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleListing = `udp      17 29 src=203.0.113.7 dst=198.51.100.1 sport=40001 dport=5667 packets=12 bytes=1500 src=198.51.100.1 dst=203.0.113.7 sport=5667 dport=40001 packets=10 bytes=9000 mark=0 use=1
udp      17 118 src=203.0.113.8 dst=198.51.100.1 sport=51820 dport=6001 packets=3 bytes=300 src=198.51.100.1 dst=203.0.113.8 sport=6001 dport=51820 packets=3 bytes=420 [ASSURED] mark=0 use=1
udp      17 20 src=192.0.2.55 dst=198.51.100.1 sport=53 dport=53 packets=1 bytes=60 src=198.51.100.1 dst=192.0.2.55 sport=53 dport=53 packets=1 bytes=120 mark=0 use=1
garbage line without tokens
udp      17 29 dst=198.51.100.1 sport=40001 dport=5667
udp      17 29 src=203.0.113.9 dst=198.51.100.1 sport=40001
udp      17 29 src=not-an-ip dst=198.51.100.1 sport=40001 dport=5667
udp      17 29 src=203.0.113.10 dst=198.51.100.1 sport=40002 dport=99999

`

func testPorts(t *testing.T) PortSet {
	t.Helper()
	ps, err := NewPortSet(5667, 6000, 19999)
	require.NoError(t, err)
	return ps
}

func TestTokenize_KeepsOriginalTuple(t *testing.T) {
	e := Tokenize("udp 17 29 src=1.1.1.1 dst=2.2.2.2 sport=10 dport=20 bytes=5 src=2.2.2.2 dst=1.1.1.1 sport=20 dport=10 bytes=7")

	assert.Equal(t, "1.1.1.1", e.Src)
	assert.Equal(t, "2.2.2.2", e.Dst)
	assert.Equal(t, "10", e.SPort)
	assert.Equal(t, "20", e.DPort)
	assert.Equal(t, "5", e.BytesOrg)
	assert.Equal(t, "7", e.BytesRpl)
}

func TestParse_SampleListing(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	conns := Parse([]byte(sampleListing), testPorts(t), now)

	require.Len(t, conns, 2)

	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), conns[0].ClientIP)
	assert.Equal(t, 40001, conns[0].ClientPort)
	assert.Equal(t, 5667, conns[0].ServerPort)
	assert.Equal(t, int64(1500), conns[0].BytesIn)
	assert.Equal(t, int64(9000), conns[0].BytesOut)
	assert.Equal(t, now, conns[0].ObservedAt)

	assert.Equal(t, netip.MustParseAddr("203.0.113.8"), conns[1].ClientIP)
	assert.Equal(t, 6001, conns[1].ServerPort)
}

func TestParseLine_MissingSourceOrPort(t *testing.T) {
	now := time.Now()

	_, ok := ParseLine("udp 17 29 dst=1.1.1.1 sport=1 dport=5667", now)
	assert.False(t, ok)

	_, ok = ParseLine("udp 17 29 src=1.1.1.1 sport=1", now)
	assert.False(t, ok)

	_, ok = ParseLine("", now)
	assert.False(t, ok)
}

func TestParseLine_MissingSourcePortKeepsFlow(t *testing.T) {
	conn, ok := ParseLine("udp 17 29 src=10.1.1.1 dst=10.0.0.1 dport=5667", time.Now())
	require.True(t, ok)
	assert.Equal(t, 0, conn.ClientPort)
	assert.Equal(t, int64(0), conn.BytesIn)
}

func TestParseLine_MappedIPv4(t *testing.T) {
	conn, ok := ParseLine("udp 17 29 src=::ffff:10.1.1.1 dst=10.0.0.1 sport=9 dport=5667", time.Now())
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), conn.ClientIP)
}

func TestParse_CollapsesDuplicates(t *testing.T) {
	out := []byte("udp 17 29 src=10.1.1.1 dst=10.0.0.1 sport=9 dport=5667 bytes=10\n" +
		"udp 17 29 src=10.1.1.1 dst=10.0.0.1 sport=9 dport=5667 bytes=20\n")

	conns := Parse(out, testPorts(t), time.Now())
	require.Len(t, conns, 1)
	assert.Equal(t, int64(20), conns[0].BytesIn)
}

func TestParse_EmptyOutput(t *testing.T) {
	assert.Empty(t, Parse(nil, testPorts(t), time.Now()))
}

func TestNewPortSet(t *testing.T) {
	ps, err := NewPortSet(5667, 6000, 6010)
	require.NoError(t, err)
	assert.True(t, ps.Contains(5667))
	assert.True(t, ps.Contains(6000))
	assert.True(t, ps.Contains(6010))
	assert.False(t, ps.Contains(6011))
	assert.False(t, ps.Contains(53))
	assert.Equal(t, "5667,6000-6010", ps.String())

	baseOnly, err := NewPortSet(5667, 0, 0)
	require.NoError(t, err)
	assert.True(t, baseOnly.Contains(5667))
	assert.False(t, baseOnly.Contains(6000))

	_, err = NewPortSet(5667, 7000, 6000)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "start")

	_, err = NewPortSet(5667, 60000, 70000)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "65535")

	_, err = NewPortSet(0, 6000, 7000)
	assert.Error(t, err)
}

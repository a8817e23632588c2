// Package conntrack discovers tunnel flows from the host connection-tracking
// table and drops individual flows from it.
package conntrack

import (
	"bufio"
	"bytes"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
)

// Entry holds the tokens of one listing line. Only the first occurrence of
// each address and port key is kept; that is the original-direction tuple.
type Entry struct {
	Src      string
	Dst      string
	SPort    string
	DPort    string
	BytesOrg string
	BytesRpl string
}

// Tokenize splits a listing line into its key=value tokens.
func Tokenize(line string) Entry {
	var e Entry
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "src":
			setOnce(&e.Src, value)
		case "dst":
			setOnce(&e.Dst, value)
		case "sport":
			setOnce(&e.SPort, value)
		case "dport":
			setOnce(&e.DPort, value)
		case "bytes":
			if e.BytesOrg == "" {
				e.BytesOrg = value
			} else {
				setOnce(&e.BytesRpl, value)
			}
		}
	}
	return e
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// ParseLine converts one listing line into an ObservedConnection. It returns
// false for lines without a usable source address or destination port.
func ParseLine(line string, observedAt time.Time) (models.ObservedConnection, bool) {
	e := Tokenize(line)
	if e.Src == "" || e.DPort == "" {
		return models.ObservedConnection{}, false
	}

	ip, err := netip.ParseAddr(e.Src)
	if err != nil {
		return models.ObservedConnection{}, false
	}
	dport, ok := parsePort(e.DPort)
	if !ok {
		return models.ObservedConnection{}, false
	}

	conn := models.ObservedConnection{
		ClientIP:   ip.Unmap(),
		ServerPort: dport,
		ObservedAt: observedAt,
	}
	if sport, ok := parsePort(e.SPort); ok {
		conn.ClientPort = sport
	}
	conn.BytesIn = parseCounter(e.BytesOrg)
	conn.BytesOut = parseCounter(e.BytesRpl)
	return conn, true
}

// Parse reads a full listing and keeps the flows whose destination port is in
// ports. Duplicate flows collapse onto one entry.
func Parse(output []byte, ports PortSet, observedAt time.Time) []models.ObservedConnection {
	type flow struct {
		ip    netip.Addr
		cport int
		sport int
	}
	seen := make(map[flow]int)
	var conns []models.ObservedConnection

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		conn, ok := ParseLine(line, observedAt)
		if !ok || !ports.Contains(conn.ServerPort) {
			continue
		}
		k := flow{conn.ClientIP, conn.ClientPort, conn.ServerPort}
		if i, dup := seen[k]; dup {
			conns[i] = conn
			continue
		}
		seen[k] = len(conns)
		conns = append(conns, conn)
	}
	return conns
}

func parsePort(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, false
	}
	return p, true
}

func parseCounter(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

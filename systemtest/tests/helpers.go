package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/netip"
	"os"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/models"
)

const APIKey = "systemtest-key"

// Discoverer returns whatever flows the test sets.
type Discoverer struct {
	mu    sync.Mutex
	conns []models.ObservedConnection
}

func (d *Discoverer) Set(conns ...models.ObservedConnection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = conns
}

func (d *Discoverer) Discover(context.Context) ([]models.ObservedConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.ObservedConnection(nil), d.conns...), nil
}

// Dropper records every flow it is asked to drop.
type Dropper struct {
	mu      sync.Mutex
	Dropped []string
}

func (d *Dropper) Drop(_ context.Context, ip netip.Addr, clientPort, serverPort int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dropped = append(d.Dropped, netip.AddrPortFrom(ip, uint16(clientPort)).String())
	return nil
}

func (d *Dropper) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Dropped)
}

// Runner accepts every command, standing in for the tunnel service reload.
type Runner struct {
	mu    sync.Mutex
	Calls int
}

func (r *Runner) Run(context.Context, string, ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	return nil, nil
}

func Flow(ip string, clientPort, serverPort int, bytesIn, bytesOut int64) models.ObservedConnection {
	return models.ObservedConnection{
		ClientIP:   netip.MustParseAddr(ip),
		ClientPort: clientPort,
		ServerPort: serverPort,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
	}
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", APIKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// ReadCredentials returns auth.config from a synced tunnel config file.
func ReadCredentials(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Auth struct {
			Mode   string   `json:"mode"`
			Config []string `json:"config"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Auth.Config, nil
}

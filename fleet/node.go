// Package fleet holds the node, group and sample types shared by the
// prober, the stores and the selector.
package fleet

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by directory and registry lookups for
// unknown ids.
var ErrNotFound = errors.New("not found")

// Status is the connection state of a node. It is owned by the
// panel; the engine only reads it.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Node is a backend proxy node. AvgResponseTime, SuccessRate and the
// connection counters are maintained by the engine.
type Node struct {
	ID       int64  `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Address  string `yaml:"address" json:"address"`
	APIPort  int    `yaml:"api_port" json:"api_port"`
	ProbeURL string `yaml:"probe_url,omitempty" json:"probe_url,omitempty"`
	Status   Status `yaml:"status" json:"status"`

	AvgResponseTime   *float64 `yaml:"-" json:"avg_response_time"`
	SuccessRate       *float64 `yaml:"-" json:"success_rate"`
	ActiveConnections int      `yaml:"-" json:"active_connections"`
	TotalConnections  int64    `yaml:"-" json:"total_connections"`
}

// HealthURL is the management endpoint the prober requests. An
// explicit ProbeURL wins over the address/port default.
func (n Node) HealthURL() string {
	if n.ProbeURL != "" {
		return n.ProbeURL
	}
	return fmt.Sprintf("http://%s/health", net.JoinHostPort(n.Address, strconv.Itoa(n.APIPort)))
}

func (n Node) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s (%d)", n.Name, n.ID)
	}
	return strconv.FormatInt(n.ID, 10)
}

// Metrics are the rolling aggregates of a node. Both fields are nil
// when the node has no samples in the window.
type Metrics struct {
	AvgResponseTime *float64 `json:"avg_response_time"`
	SuccessRate     *float64 `json:"success_rate"`
	Samples         int      `json:"samples"`
}

// Apply copies the aggregates onto the node.
func (m Metrics) Apply(n *Node) {
	n.AvgResponseTime = m.AvgResponseTime
	n.SuccessRate = m.SuccessRate
}

// Sample is one probe outcome.
type Sample struct {
	ID           ulid.ULID `json:"id"`
	NodeID       int64     `json:"node_id"`
	Time         time.Time `json:"time"`
	ResponseTime float64   `json:"response_time_ms"`
	Success      bool      `json:"success"`
	Reason       string    `json:"reason,omitempty"`
}

// ConnectionEvent records one subscription access.
type ConnectionEvent struct {
	ID        ulid.ULID `json:"id"`
	NodeID    int64     `json:"node_id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"subscription_token,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Time      time.Time `json:"time"`
}

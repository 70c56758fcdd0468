// Package alert publishes risk changes and capacity alerts to MQTT.
package alert

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/dashboard"
	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/loop"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// RiskMessage is published when the risk level changes.
type RiskMessage struct {
	Type        string          `json:"type"`
	Level       crowd.RiskLevel `json:"level"`
	Previous    crowd.RiskLevel `json:"previous,omitempty"`
	Label       string          `json:"label"`
	PersonCount int             `json:"personCount"`
	Density     float64         `json:"density"`
	Pressure    float64         `json:"pressure"`
	Summary     string          `json:"summary"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventMessage is published for capacity alerts from the events store.
type EventMessage struct {
	Type      string       `json:"type"`
	Level     events.Level `json:"level"`
	Alert     string       `json:"alert"`
	Location  string       `json:"location"`
	Density   float64      `json:"density"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notifier turns loop snapshots and event receipts into messages.
type Notifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	level    crowd.RiskLevel
	lastSeen *crowd.AnalysisResult
}

// NewNotifier publishes under topic prefix (e.g. "safeflow").
func NewNotifier(pub Publisher, prefix string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "alert"),
		now:    time.Now,
	}
}

// RiskTopic is where risk changes go.
func (n *Notifier) RiskTopic() string { return n.prefix + "/risk" }

// EventsTopic is where capacity alerts go.
func (n *Notifier) EventsTopic() string { return n.prefix + "/events" }

// Observe is a loop subscriber that publishes when the risk level changes.
func (n *Notifier) Observe(snap loop.Snapshot) {
	r := snap.LastResult
	n.mu.Lock()
	if r == nil || r == n.lastSeen {
		n.mu.Unlock()
		return
	}
	n.lastSeen = r
	prev := n.level
	if prev == r.RiskLevel {
		n.mu.Unlock()
		return
	}
	n.level = r.RiskLevel
	n.mu.Unlock()

	n.publish(n.RiskTopic(), RiskMessage{
		Type:        "risk",
		Level:       r.RiskLevel,
		Previous:    prev,
		Label:       dashboard.StyleFor(r.RiskLevel).Label,
		PersonCount: r.PersonCount(),
		Density:     r.Metrics.Density,
		Pressure:    r.Metrics.Pressure,
		Summary:     dashboard.Summary(r),
		Timestamp:   n.now(),
	})
}

// Forget clears the remembered level so the next result is always published.
func (n *Notifier) Forget() {
	n.mu.Lock()
	n.level = ""
	n.lastSeen = nil
	n.mu.Unlock()
}

// EventAlert publishes a capacity alert. It matches events.Store.OnAlert.
func (n *Notifier) EventAlert(r events.Receipt) {
	n.publish(n.EventsTopic(), EventMessage{
		Type:      "capacity",
		Level:     r.Event.Level,
		Alert:     r.Alert,
		Location:  r.Event.Location,
		Density:   r.Event.Density,
		Timestamp: r.Event.Timestamp,
	})
}

func (n *Notifier) publish(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("alert marshal failed", "error", err)
		return
	}
	if err := n.pub.Publish(topic, payload); err != nil {
		n.logger.Warn("alert publish failed", "topic", topic, "error", err)
	}
}

package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeModelLoaded is sent after a successful engine (re)load
	EventTypeModelLoaded EventType = "model_loaded"
	// EventTypeModelLoadFailed is sent when a load is rejected and the previous model stays active
	EventTypeModelLoadFailed EventType = "model_load_failed"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping message
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ModelEvent describes an engine load attempt.
type ModelEvent struct {
	Generation  uint64  `json:"generation"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	ModelType   string  `json:"model_type,omitempty"`
	Backend     string  `json:"backend,omitempty"`
	Dimension   int     `json:"dimension,omitempty"`
	Pooling     string  `json:"pooling,omitempty"`
	LoadTimeMS  float64 `json:"load_time_ms,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorCode   int     `json:"error_code,omitempty"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	Ready            bool    `json:"ready"`
	Generation       uint64  `json:"generation"`
	TotalRequests    int64   `json:"total_requests"`
	FailedRequests   int64   `json:"failed_requests"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	ConnectedClients int     `json:"connected_clients"`
	MemoryUsage      string  `json:"memory_usage"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscriptionRequest limits a client to the listed event types.
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

func (c *Client) subscribe(sub *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = sub
}

func (c *Client) wants(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subscription == nil {
		return true
	}
	for _, et := range c.subscription.Events {
		if et == t {
			return true
		}
	}
	return false
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

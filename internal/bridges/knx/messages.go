package knx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MQTT message types exchanged with the bridge. Topics are built by the
// mqtt package's Topics type; the payloads are defined here.

// AdhocCommand is the reserved command name whose payload carries its own
// definition instead of naming a catalogue entry.
const AdhocCommand = "adhoc"

// CommandMessage is the optional payload of <prefix>/command/<name>.
// An empty payload executes the named catalogue command with a generated
// ID. For <prefix>/command/adhoc, Definition is required.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id,omitempty"`

	// Timestamp is when the command was issued (UTC, RFC3339).
	Timestamp time.Time `json:"timestamp"`

	// Definition is the textual command for ad-hoc execution.
	Definition *Definition `json:"definition,omitempty"`

	// Source indicates where the command originated ("api", "mqtt", "cli").
	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome reported in an AckMessage.
type AckStatus string

const (
	// AckAccepted indicates the gateway confirmed the tunnelling request.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be built or sent.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the gateway did not acknowledge in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command on <prefix>/ack/<name>.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`

	// Address is the destination group address ("1/2/3"), when known.
	Address string `json:"address,omitempty"`

	// Frame is the cEMI frame that was sent, upper-case hex.
	Frame string `json:"frame,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError explains a failed command. Code is one of the ErrCode values.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// ErrorCode maps an error from the builder or tunnel to an error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrValueOutOfRange), errors.Is(err, ErrInvalidGroupAddress),
		errors.Is(err, ErrUnknownDatapointType), errors.Is(err, ErrInvalidDPT):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrMalformedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionFailed):
		return ErrCodeNotConnected
	case errors.Is(err, ErrAckTimeout), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrInvalidFrame), errors.Is(err, ErrEncodingFailed), errors.Is(err, ErrDecodingFailed):
		return ErrCodeProtocolError
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage reports the value of a group address on
// <prefix>/state/<m-n-s>. Published retained.
type StateMessage struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	DPT       string    `json:"dpt,omitempty"`
	Value     any       `json:"value"`
	Raw       string    `json:"raw"`
	Source    string    `json:"source"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Telegram events carried in StateMessage.Event.
const (
	EventWrite    = "write"
	EventResponse = "response"
)

// NewStateMessage builds a state message from a cache entry.
func NewStateMessage(entry StatusEntry, event string) StateMessage {
	return StateMessage{
		Address:   entry.Address.String(),
		Name:      entry.Name,
		DPT:       string(entry.DPT),
		Value:     jsonValue(entry.Value),
		Raw:       entry.RawHex(),
		Source:    entry.Source.String(),
		Event:     event,
		Timestamp: entry.UpdatedAt.UTC(),
	}
}

// jsonValue flattens decoded values that have no natural JSON form.
func jsonValue(v any) any {
	if c, ok := v.(Control3Bit); ok {
		return map[string]any{"increase": c.Increase, "step_code": c.StepCode}
	}
	return v
}

// Request actions.
const (
	ActionReadState = "read_state"
	ActionReadAll   = "read_all"
	ActionStatus    = "status"
)

// RequestMessage is received on <prefix>/request/<id>.
type RequestMessage struct {
	// RequestID correlates the response. Taken from the topic when empty.
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is read_state, read_all or status.
	Action string `json:"action"`

	// Address is the group address for read_state and status.
	Address string `json:"address,omitempty"`
}

// ResponseMessage is published on <prefix>/response/<id>.
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError explains a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newResponseError(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// HealthStatus is the overall state published on <prefix>/health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthOffline   HealthStatus = "offline" // published by the broker as the will message
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthMessage is published retained on <prefix>/health.
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Tunnel        *TunnelStatus     `json:"tunnel,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`

	// StatusPoints is the number of cached group address values.
	StatusPoints int `json:"status_points"`

	// Reason is set whenever the status is not healthy.
	Reason string `json:"reason,omitempty"`
}

// TunnelStatus describes the gateway connection.
type TunnelStatus struct {
	State         string     `json:"state"`
	Gateway       string     `json:"gateway,omitempty"`
	Channel       byte       `json:"channel,omitempty"`
	TunnelAddress string     `json:"tunnel_address,omitempty"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics mirrors the tunnel counters.
type BridgeStatistics struct {
	TelegramsRx      uint64 `json:"telegrams_rx"`
	TelegramsTx      uint64 `json:"telegrams_tx"`
	TelegramsDropped uint64 `json:"telegrams_dropped"`
	AckTimeouts      uint64 `json:"ack_timeouts"`
	Errors           uint64 `json:"errors"`
	Reconnects       uint64 `json:"reconnects"`
}

// NewHealthMessage assembles a health payload from bridge and tunnel
// figures.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats TunnelStats, statusPoints int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		StatusPoints:  statusPoints,
		Tunnel: &TunnelStatus{
			State:         stats.State.String(),
			Gateway:       stats.Gateway,
			Channel:       stats.Channel,
			TunnelAddress: stats.TunnelAddress,
		},
		Statistics: &BridgeStatistics{
			TelegramsRx:      stats.TelegramsRx,
			TelegramsTx:      stats.TelegramsTx,
			TelegramsDropped: stats.TelegramsDropped,
			AckTimeouts:      stats.AckTimeouts,
			Errors:           stats.ErrorsTotal,
			Reconnects:       stats.ReconnectsTotal,
		},
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		msg.Tunnel.LastActivity = &last
	}
	return msg
}

// commandWire is CommandMessage as sent: RFC3339 timestamp, omitted when
// zero.
type commandWire struct {
	ID         string      `json:"id,omitempty"`
	Timestamp  string      `json:"timestamp,omitempty"`
	Definition *Definition `json:"definition,omitempty"`
	Source     string      `json:"source,omitempty"`
}

func (m CommandMessage) MarshalJSON() ([]byte, error) {
	w := commandWire{ID: m.ID, Definition: m.Definition, Source: m.Source}
	if !m.Timestamp.IsZero() {
		w.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(w)
}

func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding command message: %w", err)
	}
	*m = CommandMessage{ID: w.ID, Definition: w.Definition, Source: w.Source}
	if w.Timestamp == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return fmt.Errorf("command timestamp: %w", err)
	}
	m.Timestamp = ts
	return nil
}

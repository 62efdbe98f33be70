package knx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// startMQTT announces "starting", subscribes to commands and requests and
// starts the health loop.
func (b *Bridge) startMQTT(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.log().Warn("publishing starting health", "error", err)
	}

	topics := b.opts.Topics
	for _, topic := range []string{topics.Commands(), topics.Requests()} {
		if err := b.opts.MQTTClient.Subscribe(topic, b.opts.QoS, b.route); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		b.log().Info("subscribed", "topic", topic)
	}

	b.health.Start(ctx)
	return nil
}

// route dispatches on the topic kind: <prefix>/command/<name> or
// <prefix>/request/<id>.
func (b *Bridge) route(topic string, payload []byte) error {
	kind, rest, ok := b.opts.Topics.Kind(topic)
	if !ok || rest == "" {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	switch kind {
	case "command":
		return b.handleCommand(rest, payload)
	case "request":
		return b.handleRequest(rest, payload)
	}
	return fmt.Errorf("unknown message type %q", kind)
}

// handleCommand runs one command and always answers with an ack, even
// for an unparseable payload.
func (b *Bridge) handleCommand(name string, payload []byte) error {
	var msg CommandMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.publishAck(AckMessage{
				CommandID: uuid.NewString(),
				Command:   name,
				Status:    AckFailed,
				Error:     &AckError{Code: ErrCodeInvalidParameters, Message: err.Error()},
			})
			return fmt.Errorf("parse command %q: %w", name, err)
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b.log().Info("command received", "command_id", msg.ID, "command", name)

	cmd, err := b.runCommand(name, msg.Definition)

	ack := AckMessage{CommandID: msg.ID, Command: name, Status: AckAccepted}
	if cmd != nil {
		ack.Address = cmd.Destination().String()
		ack.Frame = hexUpper(cmd.Frame())
	}
	if err != nil {
		code := ErrorCode(err)
		ack.Status = AckFailed
		if code == ErrCodeTimeout {
			ack.Status = AckTimeout
		}
		ack.Error = &AckError{Code: code, Message: err.Error()}
		b.log().Error("command failed", "command_id", msg.ID, "command", name, "error", err)
	}
	b.publishAck(ack)
	return nil
}

func (b *Bridge) runCommand(name string, def *Definition) (Command, error) {
	if name != AdhocCommand {
		return b.Execute(b.life, name)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: ad-hoc command without definition", ErrMalformedCommand)
	}
	return b.ExecuteDefinition(b.life, *def)
}

func (b *Bridge) publishAck(ack AckMessage) {
	ack.Timestamp = time.Now().UTC()
	b.publishJSON(b.opts.Topics.Ack(ack.Command), ack, false)
}

// handleRequest answers read_state, read_all and status requests on the
// response topic for id.
func (b *Bridge) handleRequest(id string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishResponse(id, newResponseError(id, ErrCodeInvalidParameters, err.Error()))
		return fmt.Errorf("parse request %q: %w", id, err)
	}
	if req.RequestID == "" {
		req.RequestID = id
	}
	b.log().Info("request received", "request_id", req.RequestID, "action", req.Action)

	var (
		data map[string]any
		rerr *ResponseError
	)
	switch req.Action {
	case ActionReadState:
		data, rerr = b.requestRead(req.Address)
	case ActionReadAll:
		data, rerr = b.requestReadAll()
	case ActionStatus:
		data, rerr = b.requestStatus(req.Address)
	default:
		rerr = &ResponseError{Code: ErrCodeInvalidCommand, Message: "unknown action: " + req.Action}
	}

	resp := ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC()}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Success, resp.Data = true, data
	}
	b.publishResponse(id, resp)
	return nil
}

func (b *Bridge) requestRead(address string) (map[string]any, *ResponseError) {
	ga, err := ParseGroupAddressTopic(address)
	if err != nil {
		return nil, &ResponseError{Code: ErrCodeInvalidParameters, Message: err.Error()}
	}
	if err := b.Read(b.life, ga); err != nil {
		return nil, &ResponseError{Code: ErrorCode(err), Message: err.Error()}
	}
	return map[string]any{
		"address": ga.String(),
		"message": "read request sent, state update will follow",
	}, nil
}

func (b *Bridge) requestReadAll() (map[string]any, *ResponseError) {
	n, err := b.ReadAll(b.life)
	if err != nil {
		return nil, &ResponseError{
			Code:    ErrorCode(err),
			Message: fmt.Sprintf("read_all stopped after %d reads: %v", n, err),
		}
	}
	return map[string]any{
		"reads_sent": n,
		"message":    "read requests sent, state updates will follow",
	}, nil
}

// requestStatus answers from the cache: one address, or all of them when
// address is empty.
func (b *Bridge) requestStatus(address string) (map[string]any, *ResponseError) {
	cache := b.opts.Cache
	if address == "" {
		entries := cache.All()
		states := make([]StateMessage, len(entries))
		for i, e := range entries {
			states[i] = NewStateMessage(e, "")
		}
		return map[string]any{"states": states}, nil
	}

	ga, err := ParseGroupAddressTopic(address)
	if err != nil {
		return nil, &ResponseError{Code: ErrCodeInvalidParameters, Message: err.Error()}
	}
	entry, ok := cache.Get(ga)
	if !ok {
		return nil, &ResponseError{Code: ErrCodeNotConfigured, Message: "no value seen for " + ga.String()}
	}
	return map[string]any{"state": NewStateMessage(entry, "")}, nil
}

func (b *Bridge) publishResponse(id string, resp ResponseMessage) {
	b.publishJSON(b.opts.Topics.Response(id), resp, false)
}

// publishState sends a retained state document. A nil client is a no-op.
func (b *Bridge) publishState(ga GroupAddress, msg StateMessage) {
	b.publishJSON(b.opts.Topics.State(ga.TopicSegment()), msg, true)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	if b.opts.MQTTClient == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.log().Error("encoding MQTT payload", "topic", topic, "error", err)
		return
	}
	if err := b.opts.MQTTClient.Publish(topic, payload, b.opts.QoS, retained); err != nil {
		b.log().Error("publishing", "topic", topic, "error", err)
	}
}

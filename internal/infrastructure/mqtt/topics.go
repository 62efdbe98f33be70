package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "knxip"

// Topics builds the gateway's MQTT topic tree under a common prefix.
//
//	topics := mqtt.NewTopics("knxip")
//	topics.State("1-2-3")   // "knxip/state/1-2-3"
//	topics.Command("hall")  // "knxip/command/hall"
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

// NewTopics returns a topic builder for prefix, trimming surrounding slashes.
func NewTopics(prefix string) Topics {
	return Topics{Prefix: strings.Trim(prefix, "/")}
}

func (t Topics) join(parts ...string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "/" + strings.Join(parts, "/")
}

// Command returns the topic on which a catalogue command is triggered.
//
// Example: knxip/command/hall-light-on
func (t Topics) Command(name string) string { return t.join("command", name) }

// Ack returns the acknowledgement topic for a command.
//
// Example: knxip/ack/hall-light-on
func (t Topics) Ack(name string) string { return t.join("ack", name) }

// State returns the retained state topic for a group address in segment form.
//
// Example: knxip/state/1-2-3
func (t Topics) State(ga string) string { return t.join("state", ga) }

// Request returns the topic for a read_state/read_all request.
func (t Topics) Request(id string) string { return t.join("request", id) }

// Response returns the topic answering the request with the same id.
func (t Topics) Response(id string) string { return t.join("response", id) }

// Health returns the retained health topic, also used as the LWT.
//
// Example: knxip/health
func (t Topics) Health() string { return t.join("health") }

// Commands matches every command topic: knxip/command/+
func (t Topics) Commands() string { return t.Command("+") }

// Requests matches every request topic: knxip/request/+
func (t Topics) Requests() string { return t.Request("+") }

// States matches every state topic: knxip/state/+
func (t Topics) States() string { return t.State("+") }

// All matches the whole tree. Use with caution.
func (t Topics) All() string { return t.join("#") }

// Kind returns the second level of a topic under this prefix ("command",
// "request", ...) and the remainder, or ok=false for foreign topics.
func (t Topics) Kind(topic string) (kind, rest string, ok bool) {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	tail, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	kind, rest, _ = strings.Cut(tail, "/")
	return kind, rest, kind != ""
}

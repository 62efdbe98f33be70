// Package mqtt connects the gateway to an MQTT broker.
//
// The client wraps paho.mqtt.golang. It reconnects on its own, restores
// subscriptions after a reconnect and registers a retained "offline" will
// on the health topic so consumers notice a crashed gateway.
//
// # Topic tree
//
// Every topic lives under a configurable prefix (default "knxip"):
//
//	knxip/command/<name>     trigger a catalogue command (or "adhoc")
//	knxip/ack/<name>         command acknowledgement
//	knxip/state/<m-n-s>      retained decoded group value
//	knxip/request/<id>       read_state / read_all
//	knxip/response/<id>      answer to a request
//	knxip/health             retained health document and will
//
// Brokers off localhost should be reached with broker.tls enabled;
// credentials come from KNXIP_MQTT_USERNAME and KNXIP_MQTT_PASSWORD.
package mqtt

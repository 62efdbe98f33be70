// Package config loads knxipd's YAML configuration.
//
// Values are layered: Default, then the file, then KNXIP_* environment
// variables (KNXIP_TUNNEL_GATEWAY, KNXIP_MQTT_PASSWORD, ...). Keep MQTT
// passwords and InfluxDB tokens in the environment and the file at 0600.
//
//	cfg, err := config.Load("configs/knxipd.yaml")
//	if err != nil {
//	    return err
//	}
package config

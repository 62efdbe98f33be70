package config

import (
	"errors"
	"fmt"
	"strconv"
)

// envPrefix starts every override, e.g. KNXIP_TUNNEL_GATEWAY.
const envPrefix = "KNXIP_"

// envVar binds one KNXIP_* variable to a config field.
type envVar struct {
	name string
	set  func(string) error
}

func envString(name string, dst *string) envVar {
	return envVar{name, func(v string) error { *dst = v; return nil }}
}

func envInt(name string, dst *int) envVar {
	return envVar{name, func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%q is not a number", v)
		}
		*dst = n
		return nil
	}}
}

func envBool(name string, dst *bool) envVar {
	return envVar{name, func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%q is not a boolean", v)
		}
		*dst = b
		return nil
	}}
}

// envVars lists every supported override. Secrets belong here rather
// than in the file.
func envVars(cfg *Config) []envVar {
	return []envVar{
		envString("TUNNEL_GATEWAY", &cfg.Tunnel.Gateway),
		envString("TUNNEL_LOCAL_ADDRESS", &cfg.Tunnel.LocalAddress),
		envString("TUNNEL_INTERFACE", &cfg.Tunnel.Discovery.Interface),
		envBool("TUNNEL_NAT_MODE", &cfg.Tunnel.NATMode),

		envBool("KNXD_MANAGED", &cfg.KNXD.Managed),
		envString("KNXD_BINARY", &cfg.KNXD.Binary),
		envString("KNXD_DEVICE", &cfg.KNXD.Backend.Device),

		envString("CATALOG_FILE", &cfg.Bridge.CatalogFile),
		envString("DATABASE_PATH", &cfg.Database.Path),

		envBool("MQTT_ENABLED", &cfg.MQTT.Enabled),
		envString("MQTT_HOST", &cfg.MQTT.Broker.Host),
		envInt("MQTT_PORT", &cfg.MQTT.Broker.Port),
		envString("MQTT_USERNAME", &cfg.MQTT.Auth.Username),
		envString("MQTT_PASSWORD", &cfg.MQTT.Auth.Password),

		envBool("API_ENABLED", &cfg.API.Enabled),
		envString("API_HOST", &cfg.API.Host),
		envInt("API_PORT", &cfg.API.Port),

		envBool("INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled),
		envString("INFLUXDB_URL", &cfg.InfluxDB.URL),
		envString("INFLUXDB_TOKEN", &cfg.InfluxDB.Token),

		envBool("CAPTURE_ENABLED", &cfg.Capture.Enabled),
		envString("CAPTURE_PATH", &cfg.Capture.Path),

		envString("LOG_LEVEL", &cfg.Logging.Level),
	}
}

// applyEnvOverrides sets every non-empty variable lookup finds. Bad
// values are all reported together; good ones are still applied.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars(cfg) {
		key := envPrefix + ev.name
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

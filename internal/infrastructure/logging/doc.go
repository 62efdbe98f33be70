// Package logging builds the structured logger shared by knxipd and
// knxctl.
//
// Entries are JSON by default and carry the binary name and version.
// Components add their own tag with With("component", ...):
//
//	logging:
//	  level: info      # debug | info | warn | error
//	  format: json     # json | text
//	  output: stdout   # stdout | stderr
//
// Secrets (MQTT passwords, InfluxDB tokens) are never logged.
package logging

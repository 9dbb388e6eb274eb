// Package config loads carrier's YAML configuration.
//
// Load reads the file, expands ${VAR} references from the environment
// (after loading a neighbouring .env), checks the document against the
// embedded CUE schema, and decodes it into Config. Absent fields take
// the values from Default.
//
//	database:
//	  path: ./carrier.db
//	session:
//	  owner_id: alice
//	remote:
//	  base_url: ${CARRIER_REMOTE}
//	  request_timeout: 10s
//	connectivity:
//	  mode: probe
//	  probe_interval: 5s
//	sync:
//	  max_rejections: 5
//	logging:
//	  level: info
//	  format: text
package config

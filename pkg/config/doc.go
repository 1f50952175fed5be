// Package config loads minerguard settings from YAML with MINERGUARD_*
// environment overrides.
//
// Example file:
//
//	data_dir: /var/lib/minerguard
//	log:
//	  level: info
//	  json: true
//	master_secret_env: MINERGUARD_MASTER_SECRET
//	kdf_iterations: 210000
//	change_request_ttl: 30m
//	keystore:
//	  dir: /var/lib/minerguard/keys
//	  kdf_iterations: 210000
package config

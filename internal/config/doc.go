// Package config loads liveballot configuration.
//
// Settings come from an optional YAML file and are overridden by
// LIVEBALLOT_* environment variables. Every setting has a default, so an
// empty environment yields a working local server.
//
// # Configuration File Structure
//
//	env: prod
//	log:
//	  level: info
//	  format: json
//	server:
//	  address: ":8080"
//	  standard_path: /
//	  admin_path: /admin
//	  allowed_origins: ["https://vote.example.com"]
//	  shutdown_timeout: 30s
//	  tls:
//	    cert_file: /etc/liveballot/tls.crt
//	    key_file: /etc/liveballot/tls.key
//	session:
//	  anonymous_timeout: 10s
//	  named_timeout: 1h
//	  sweep_interval: 10s
//	tally:
//	  ledger_policy: prune
//	ballot:
//	  question: Where should we eat?
//	  choices: [Pizza, Sushi, Tacos]
//	archive:
//	  s3:
//	    bucket: liveballot-results
//	    region: eu-west-1
//
// # Usage
//
//	cfg, err := config.Load("config/liveballot.yaml")
//	if err != nil {
//	    errors.PrintError(err)
//	    os.Exit(1)
//	}
//	sc, err := cfg.ServerConfig()
package config

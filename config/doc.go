// Package config loads the modkit host configuration.
//
// A configuration names the entry modules to load, the adapter chosen for
// each service type and each module's own settings:
//
//	version: "1.0.0"
//	runtime: {name: modkit, metrics_port: 9090, health_port: 8080}
//	load: [heartbeat]
//	services:
//	  bus: {adapter: memory}
//	  kv: {adapter: nats, config: {url: "nats://localhost:4222", bucket: modkit}}
//	modules:
//	  heartbeat: {config: {interval: "5s"}}
//
// # Loading
//
// Loader merges layers in order over built-in defaults. Each layer is JSON or
// YAML, chosen by file extension; maps are merged key by key and everything
// else is replaced:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Overrides
//
// After the layers are merged, these variables take precedence:
//
//	MODKIT_NATS_URL      url of every service using the nats adapter
//	MODKIT_REDIS_URL     url of every service using the redis adapter
//	MODKIT_LOAD          comma-separated entry modules
//	MODKIT_LOG_LEVEL     runtime.log_level
//	MODKIT_METRICS_PORT  runtime.metrics_port
//
// # Versions
//
// version is optional. When set it must share SupportedVersion's major
// version and be no newer than it.
//
// # Saving
//
// SaveToFile writes the effective configuration back out as JSON or YAML;
// cmd/modkit exposes it as --dump-config.
//
// Configuration is read once at startup. Changing it means building a new
// engine; running compositions are not reconfigured in place.
package config

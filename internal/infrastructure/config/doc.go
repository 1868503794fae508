// Package config handles loading and validating bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Mapping the gateway add-on host's flat JSON settings
//   - Overriding with environment variables (optionally from a .env file)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The gateway access token and broker password should be set via
//     environment variables rather than committed config files
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.URL)
package config

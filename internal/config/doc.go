// Package config loads the daemon configuration from YAML with environment
// overrides for the settings most often changed per deployment.
package config

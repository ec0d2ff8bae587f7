// Package config loads the Mofy runtime configuration from a YAML file and
// the environment. The resulting Config is built once at startup and passed
// explicitly into each component constructor.
package config

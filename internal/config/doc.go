// Package config loads the daemon configuration from a YAML file, overlays
// provider credentials and backend addresses from the environment, and
// validates the result before any component is constructed.
package config

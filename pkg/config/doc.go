// Package config reads the two YAML surfaces of the engine: desired-state
// manifests (resource declarations) and the engine configuration file
// (scope, source, intervals, retry and concurrency bounds, telemetry).
// Both are validated with go-playground/validator.
package config

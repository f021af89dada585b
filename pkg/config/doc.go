// Package config loads authorization engine configuration from environment
// variables with an optional YAML file overlay. Environment variables always
// win over file values, and both win over built-in defaults.
package config

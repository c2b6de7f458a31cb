// Package config defines the settings shared by torchd and torchctl and
// provides helpers to load, validate and save them in YAML format.
//
// Validate fills in defaults, so a loaded Config is always complete.
package config

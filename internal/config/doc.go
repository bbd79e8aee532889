// Package config loads the daemon's JSON configuration and the YAML catalog of
// assets and venues registered at startup.
package config

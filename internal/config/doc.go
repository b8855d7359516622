// Package config loads the orchestrator's JSON configuration file and fills
// in defaults for anything the operator leaves unset. Relative paths are
// resolved against the directory the configuration file lives in, so a config
// tree can be moved as a unit.
package config

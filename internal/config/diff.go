package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The log level is
// the only live-applicable change; every other modified section is named in
// RestartNeeded so the operator knows a reload did not pick it up.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartNeeded lists config sections whose changes only take effect
	// after a restart, in schema order.
	RestartNeeded []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}
	if old.Log.Format != new.Log.Format {
		d.RestartNeeded = append(d.RestartNeeded, "log.format")
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, new.Server},
		{"providers", old.Providers, new.Providers},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"playbook", old.Playbook, new.Playbook},
		{"session", old.Session, new.Session},
		{"tools", old.Tools, new.Tools},
		{"mcp", old.MCP, new.MCP},
		{"archive", old.Archive, new.Archive},
		{"discord", old.Discord, new.Discord},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartNeeded = append(d.RestartNeeded, s.name)
		}
	}

	if !slices.Equal(old.Hotwords, new.Hotwords) {
		d.RestartNeeded = append(d.RestartNeeded, "hotwords")
	}

	return d
}

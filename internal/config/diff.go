package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other changed section is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// KeytermsChanged is set when transcription.keyterms differs. Key terms
	// are part of the connection URL, so they take effect on restart.
	KeytermsChanged bool

	// RestartRequired lists the top-level sections whose changes need a
	// process restart, in schema order.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	if !slices.Equal(old.Transcription.Keyterms, new.Transcription.Keyterms) {
		d.KeytermsChanged = true
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"transcription", old.Transcription, new.Transcription},
		{"capture", old.Capture, new.Capture},
		{"pacer", old.Pacer, new.Pacer},
		{"analysis", old.Analysis, new.Analysis},
		{"storage", old.Storage, new.Storage},
		{"session", old.Session, new.Session},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, store,
// and limit changes require a restart and are deliberately absent.
type ConfigDiff struct {
	// BusinessChanged is true if any business identity field changed.
	// Active calls keep their old system prompt; new calls pick up the
	// updated one.
	BusinessChanged bool

	// GreetingChanged is true if the spoken greeting would differ. The
	// audio cache entry for the old greeting is left to age out.
	GreetingChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.BusinessChanged || d.GreetingChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ob, nb := old.Business, new.Business
	if ob.Name != nb.Name ||
		ob.AgentName != nb.AgentName ||
		ob.Hours != nb.Hours ||
		ob.TransferNumber != nb.TransferNumber ||
		ob.Notes != nb.Notes ||
		!slices.Equal(ob.Services, nb.Services) {
		d.BusinessChanged = true
	}

	if ob.Greeting != nb.Greeting || ob.Name != nb.Name || ob.AgentName != nb.AgentName {
		d.GreetingChanged = true
	}

	return d
}

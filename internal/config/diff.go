package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; pipeline and
// provider changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DialogChanged is true when the response mode, script, or speculative
	// decisioning settings changed. New calls pick up the new policy;
	// in-flight calls keep the old one.
	DialogChanged bool
	NewDialog     DialogConfig

	// MetricsWindowChanged is true when the default summary window changed.
	MetricsWindowChanged bool
	NewMetricsWindowSec  int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Dialog != new.Dialog {
		d.DialogChanged = true
		d.NewDialog = new.Dialog
	}

	if old.Telemetry.MetricsWindowSec != new.Telemetry.MetricsWindowSec {
		d.MetricsWindowChanged = true
		d.NewMetricsWindowSec = new.Telemetry.MetricsWindowSec
	}

	return d
}

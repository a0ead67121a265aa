package config_test

import (
	"testing"

	"github.com/turnline-ai/turnline/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		t.Error("LogLevelChanged should be false for identical configs")
	}
	if d.DialogChanged {
		t.Error("DialogChanged should be false for identical configs")
	}
	if d.MetricsWindowChanged {
		t.Error("MetricsWindowChanged should be false for identical configs")
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.DialogChanged || d.MetricsWindowChanged {
		t.Error("only the log level should be flagged")
	}
}

func TestDiff_Dialog(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Dialog.ResponseMode = config.ResponseScripted
	new.Dialog.Script = "One.|Two."

	d := config.Diff(old, new)
	if !d.DialogChanged {
		t.Fatal("DialogChanged should be true")
	}
	if d.NewDialog.ResponseMode != config.ResponseScripted {
		t.Errorf("NewDialog.ResponseMode: got %q, want scripted", d.NewDialog.ResponseMode)
	}
	if d.NewDialog.Script != "One.|Two." {
		t.Errorf("NewDialog.Script: got %q", d.NewDialog.Script)
	}
}

func TestDiff_SpeculativePartials(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Dialog.SpeculativePartials = true

	d := config.Diff(old, new)
	if !d.DialogChanged {
		t.Error("toggling speculative_partials should flag DialogChanged")
	}
}

func TestDiff_MetricsWindow(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Telemetry.MetricsWindowSec = 300

	d := config.Diff(old, new)
	if !d.MetricsWindowChanged {
		t.Fatal("MetricsWindowChanged should be true")
	}
	if d.NewMetricsWindowSec != 300 {
		t.Errorf("NewMetricsWindowSec: got %d, want 300", d.NewMetricsWindowSec)
	}
}

func TestDiff_PipelineChangesAreIgnored(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Pipeline.SampleRate = 48000
	off := false
	new.Pipeline.BargeIn = &off

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.DialogChanged || d.MetricsWindowChanged {
		t.Error("pipeline changes require a restart and must not appear in the diff")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogWarn
	new.Dialog.PartialConfidence = 0.75
	new.Telemetry.MetricsWindowSec = 30

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.DialogChanged || !d.MetricsWindowChanged {
		t.Errorf("all three changes should be flagged, got %+v", d)
	}
}

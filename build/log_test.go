package build

import (
	"bytes"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels checks that global and per-subsystem debug
// levels are applied, and that malformed level strings are rejected.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     string
		expErr    bool
		expLevels map[string]btclogv1.Level
	}{
		{
			name:  "global level",
			level: "debug",
			expLevels: map[string]btclogv1.Level{
				"NEGO": btclog.LevelDebug,
				"SSDB": btclog.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "warn,NEGO=trace",
			expLevels: map[string]btclogv1.Level{
				"NEGO": btclog.LevelTrace,
				"SSDB": btclog.LevelWarn,
			},
		},
		{
			name:   "unknown level",
			level:  "chatty",
			expErr: true,
		},
		{
			name:   "unknown subsystem",
			level:  "info,XXXX=debug",
			expErr: true,
		},
		{
			name:   "bad pair",
			level:  "info,NEGO",
			expErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&buf))

			// The manager only hands out real loggers for default
			// and production builds, so register them directly.
			mgr.genLogger = btclog.NewSLogger(
				btclog.NewDefaultHandler(&buf),
			).SubSystem
			mgr.loggers["NEGO"] = mgr.genLogger("NEGO")
			mgr.loggers["SSDB"] = mgr.genLogger("SSDB")

			err := ParseAndSetDebugLevels(test.level, mgr)
			if test.expErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			for name, level := range test.expLevels {
				require.Equal(
					t, level, mgr.SubLoggers()[name].Level(),
				)
			}
		})
	}
}

// TestSupportedSubsystemsSorted asserts the subsystem listing is sorted.
func TestSupportedSubsystemsSorted(t *testing.T) {
	t.Parallel()

	mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&bytes.Buffer{}))
	mgr.loggers["SSDB"] = btclog.Disabled
	mgr.loggers["ESCR"] = btclog.Disabled
	mgr.loggers["NEGO"] = btclog.Disabled

	require.Equal(
		t, []string{"ESCR", "NEGO", "SSDB"}, mgr.SupportedSubsystems(),
	)
}

// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsRequiresTargetProgram(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := Register(fs)
	require.NoError(t, fs.Parse([]string{"-tracer_library=/lib/tracer.so", "-driver_path=/bin/driver"}))

	_, err := f.Settings()
	require.Error(t, err)
}

func TestSettingsValidCombination(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := Register(fs)
	require.NoError(t, fs.Parse([]string{
		"-target_program=/bin/target",
		"-tracer_library=/lib/tracer.so",
		"-driver_path=/bin/driver",
		"-thread_count=8",
		"-max_history_count=100",
	}))

	settings, err := f.Settings()
	require.NoError(t, err)
	require.Equal(t, "/bin/target", settings.TargetProgram)
	require.Equal(t, 8, settings.ThreadCount)
	require.Equal(t, 100, settings.MaxHistoryCount)
}

func TestSettingsRejectsBadLengthBounds(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := Register(fs)
	require.NoError(t, fs.Parse([]string{
		"-target_program=/bin/target",
		"-tracer_library=/lib/tracer.so",
		"-driver_path=/bin/driver",
		"-min_length=100",
		"-max_length=10",
	}))

	_, err := f.Settings()
	require.Error(t, err)
}

func TestSettingsRejectsTinyHistory(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := Register(fs)
	require.NoError(t, fs.Parse([]string{
		"-target_program=/bin/target",
		"-tracer_library=/lib/tracer.so",
		"-driver_path=/bin/driver",
		"-max_history_count=1",
	}))

	_, err := f.Settings()
	require.Error(t, err)
}

package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrampoline(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		first    string
		contains string
	}{
		{
			name:     "amd64",
			args:     []string{"-arch=amd64", "run"},
			first:    "push",
			contains: "call",
		},
		{
			name:     "amd64 virtual",
			args:     []string{"-arch=amd64", "-virtual", "toString"},
			first:    "push",
			contains: "call",
		},
		{
			name:     "arm64",
			args:     []string{"-arch=arm64", "run"},
			first:    "stp",
			contains: "blr",
		},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, append([]string{"trampoline"}, tt.args...))
			require.Equal(t, 0, exitCode)
			require.Equal(t, "", stdErr)

			lines := strings.Split(strings.TrimSpace(stdOut), "\n")
			require.True(t, len(lines) > 1, stdOut)
			require.True(t, strings.HasPrefix(lines[0], "0x0: "), lines[0])
			require.Contains(t, lines[0], tt.first)
			require.Contains(t, stdOut, tt.contains)
		})
	}
}

func TestTrampoline_Trace(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{"trampoline", "-arch=amd64", "-trace", "run"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "emitted trampoline")
}

func TestTrampoline_DefectFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jato.toml")
	require.NoError(t, os.WriteFile(path, []byte("abort_on_defect = false\n"), 0o600))

	exitCode, stdOut, stdErr := runMain(t, []string{"trampoline", "-config", path, "-arch=amd64", "-compile-entry=0", "run"})
	require.Equal(t, 1, exitCode)
	require.Equal(t, "", stdOut)
	require.Contains(t, stdErr, "error emitting trampoline: ")
	require.Contains(t, stdErr, "emission defect: trampoline needs entry points")

	// Defects abort by default.
	require.Panics(t, func() {
		os.Args = []string{"jatoasm", "trampoline", "-arch=amd64", "-compile-entry=0", "run"}
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		doMain(&bytes.Buffer{}, &bytes.Buffer{}, func(code int) { t.Fatalf("exited with %d", code) })
	})
}

func TestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jato.toml")
	require.NoError(t, os.WriteFile(path, []byte("arch = \"arm64\"\nmax_unit_size = 4096\n"), 0o600))

	exitCode, stdOut, stdErr := runMain(t, []string{"config", "-config", path})
	require.Equal(t, 0, exitCode)
	require.Equal(t, "", stdErr)
	require.Equal(t, `arch = "arm64"
code_segment_size = 1048576
max_unit_size = 4096
max_literal_pool_entries = 1024
trace_disassembly = false
abort_on_defect = true
`, stdOut)
}

func TestHelp(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{"-h"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "jatoasm CLI\n\nUsage:")

	exitCode, _, stdErr = runMain(t, []string{"trampoline", "-h"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "jatoasm trampoline <options> <method name>")
}

func TestErrors(t *testing.T) {
	badConfig := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(badConfig, []byte("max_code_size = 1\n"), 0o600))

	tests := []struct {
		message string
		args    []string
	}{
		{
			message: "invalid command",
			args:    []string{"run"},
		},
		{
			message: "missing method name",
			args:    []string{"trampoline"},
		},
		{
			message: "error loading config",
			args:    []string{"config", "-config", "non-existent.toml"},
		},
		{
			message: "error loading config",
			args:    []string{"trampoline", "-config", badConfig, "run"},
		},
		{
			message: `invalid config: unsupported arch "ppc"`,
			args:    []string{"trampoline", "-arch=ppc", "run"},
		},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.message, func(t *testing.T) {
			exitCode, _, stdErr := runMain(t, tt.args)

			require.Equal(t, 1, exitCode)
			require.Contains(t, stdErr, tt.message)
		})
	}
}

func runMain(t *testing.T, args []string) (int, string, string) {
	t.Helper()
	oldArgs := os.Args
	t.Cleanup(func() {
		os.Args = oldArgs
	})
	os.Args = append([]string{"jatoasm"}, args...)

	var exitCode int
	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}
	var exited bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				exited = true
			}
		}()
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		doMain(stdOut, stdErr, func(code int) {
			exitCode = code
			panic(code)
		})
	}()

	require.True(t, exited)

	return exitCode, stdOut.String(), stdErr.String()
}

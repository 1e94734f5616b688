// Package model defines the domain types and value objects for the berth CLI.
//
// This package contains pure data structures with no external dependencies.
// A Project (with its Services, Networks and Volumes) is built once per
// invocation by the loader and treated as immutable afterwards. Observed
// engine state is never stored here; it lives in the engine package and is
// reconstructed from container labels at runtime.
//
// The package also defines exit codes (ExitCode), a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling,
// and the orchestration error taxonomy (errors.go).
package model

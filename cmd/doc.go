// Package cmd implements the command-line interface of rKV. It provides a
// hierarchical command structure for running a replica and for operating on
// a map file directly.
//
// The package is organized into several subpackages:
//
//   - kv: Commands that attach to a map file (get, put, del, info, dump, restore, perf)
//   - serve: Runs a replica (map, replication engine, housekeeping, metrics endpoint)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See rkv -help for a list of all commands.
package cmd

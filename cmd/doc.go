// Package cmd implements the command-line interface of rfcunit. It provides
// a hierarchical command structure with operations for running an endpoint
// server and for talking to it as a client.
//
// The package is organized into several subpackages:
//
//   - client: Commands sending requests through a connection pool (ping, call, unit, perf)
//   - serve: Commands for starting and configuring the endpoint server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable RFCUNIT_<FLAG>,
// read from the environment or from .env and .env.local files.
//
// See rfcunit -help for a list of all commands.
package cmd

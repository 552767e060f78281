// Package config loads and validates Ledgerline session agent configuration.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// LEDGERLINE_* environment variable overrides. The loaded Config is
// validated before use so the rest of the codebase can assume it is sane.
package config

// Package logging provides file-based logging with rotation for kugutsushi-search.
// The CLI writes JSON logs to ~/.kugutsushi-search/logs/server.log on every run.
//
// By default (without --debug) entries at info level and above go to the file
// only; with --debug, debug-level entries are included and are also written to stderr.
package logging

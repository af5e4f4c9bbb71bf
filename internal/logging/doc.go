// Package logging provides file-based logging with rotation for marginalia.
// Every command writes JSON logs to <data_dir>/logs/marginalia.log and
// to stderr at info level; the --debug flag lowers the level to debug.
package logging

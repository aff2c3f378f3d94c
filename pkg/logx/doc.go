// Package logx configures autopub's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) while the optional file sink stays
// JSON-structured for later inspection.
package logx

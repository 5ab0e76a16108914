// Package logx configures chanrelay's structured logging.
//
// Logger is a small wrapper on top of zerolog:
//   - console output stays readable (short timestamp and caller)
//   - the file sink writes JSON lines
//   - an optional chat sink forwards warnings to an operator chat, rate limited
package logx

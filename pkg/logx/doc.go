// Package logx configures nudgebot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - levels and sinks swappable at runtime (config hot reload)
package logx

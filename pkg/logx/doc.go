// Package logx configures msgsched's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), or raw JSON when Config.JSON is set
//   - File output JSON-structured
//   - Level and sinks swappable at runtime through Service.Apply
package logx

// Package logx configures wabridge's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime via Service.Apply
//
// Redaction rule: callers never pass message bodies, auth material, or
// pairing challenge values as fields. The logger has no scrubbing pass;
// keeping secrets out is the call site's job.
package logx

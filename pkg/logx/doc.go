// Package logx is seedkeeper's structured logging layer.
//
// A small value-type Logger sits on top of zerolog so components can carry
// fixed fields (comp, worker_id, req_id) without holding a concrete zerolog
// instance. The Service owns the sinks and can swap them at runtime:
//   - console (human readable, short caller)
//   - file (JSON lines)
//   - chat (forwards warnings/errors to an operator chat, rate limited)
package logx

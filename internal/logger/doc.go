// Package logger wraps zap for the build tools:
//   - a global sugared logger with a console encoder (or JSON for the server),
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and adjustment,
//   - shorthand functions (Infof, ErrorKV, etc.) that read the logger from a context.
//
// Every pipeline stage receives a context and logs through it, so build ids
// attached with WithKV follow a build from staging to disposal.
package logger

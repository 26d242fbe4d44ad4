// Package logx is taskbot's structured logger, a thin layer over zerolog.
//
// Loggers obtained from a Service follow hot-reloaded level and sink changes.
// Task and handler monikers go under the shared keys from Task and Handler.
package logx

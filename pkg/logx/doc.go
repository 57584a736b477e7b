// Package logx is factbot's structured logging layer.
//
// A thin wrapper (logx.Logger) over zerolog gives every component the same
// call shape:
//
//	log.Info("delivered", logx.String("recipient", id), logx.Int("chunks", n))
//
// Console output stays human readable, the file sink writes JSON lines, and
// an optional operator sink forwards warnings to a Telegram chat under a
// token-bucket limit.
package logx

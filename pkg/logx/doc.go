// Package logx is a thin structured-logging layer over zerolog.
//
// Services receive a Logger by value; the zero value and Nop() are safe
// no-op loggers, which keeps tests quiet without nil checks.
package logx

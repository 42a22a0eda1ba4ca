// Package logx is signupassist's structured logging, a thin layer over
// zerolog with three sinks chosen by Config:
//
//   - console: human-readable lines on stdout with a short file:line caller.
//   - file: one JSON object per line, appended and written synchronously.
//   - alert: lines at or above Alert.MinLevel are POSTed to Alert.URL as
//     {"text", "level", "message", "fields"}. Posting happens on a background
//     worker; lines beyond Alert.RatePerSec or a full queue are dropped
//     rather than blocking the caller.
//
// Service.Apply swaps sinks and levels at runtime, and every Logger derived
// from the Service follows the swap.
package logx

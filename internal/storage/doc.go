package storage

// Package storage provides the optional delivery journal.
//
// It currently supports:
//   - Delivery outcome appends (fed from dispatch events)
//   - Periodic pruning of old entries

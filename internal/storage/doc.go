// Package storage provides the in-memory record store backing each named
// map. Every write bumps a per-store version counter, and records may carry
// an expiry after which they are treated as absent.
package storage

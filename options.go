package peerlink

import (
	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/storage"
)

// Options configures a Client. Zero-value fields fall back to defaults: the
// built-in configuration, an in-memory store, and a private dispatcher.
type Options struct {
	// Config carries relay and heartbeat settings. When zero, config.Default()
	// is used.
	Config config.Config

	// Store persists identity blobs, contact records, and blocklists. When
	// nil, an in-memory store is used (nothing survives a restart).
	Store storage.Store

	// Notifier receives connection and contact notifications. When nil the
	// client creates and owns a dispatcher, closing it on Close.
	Notifier bus.Bus
}

// NewOptions returns Options with all defaults resolved.
func NewOptions() *Options {
	return &Options{Config: config.Default()}
}

package ublk

import (
	"github.com/ehrlich-b/go-ublk/internal/interfaces"
	"github.com/ehrlich-b/go-ublk/internal/queue"
)

// Backend and its optional capability interfaces are re-exported from
// internal/interfaces so callers constructing a DeviceParams never need to
// import that package directly.
type (
	Backend            = interfaces.Backend
	DiscardBackend     = interfaces.DiscardBackend
	WriteZeroesBackend = interfaces.WriteZeroesBackend
	SyncBackend        = interfaces.SyncBackend
	StatBackend        = interfaces.StatBackend
	ResizeBackend      = interfaces.ResizeBackend
)

// Logger is re-exported from internal/queue, which already defines the
// narrow Printf/Debugf surface every queue runner accepts.
type Logger = queue.Logger

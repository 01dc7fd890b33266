package sectorfs

import (
	"errors"

	"github.com/rarydzu/sectorfs/sectorfs/config"
)

var (
	// ErrLocked file is locked by another stream
	ErrLocked = errors.New("file is locked")
	// ErrNotInitialized driver used before Init
	ErrNotInitialized = errors.New("sector driver not initialized")
	// ErrClosed stream used after Close
	ErrClosed = errors.New("stream is closed")
	// ErrConfig invalid driver configuration
	ErrConfig = config.ErrConfig
)

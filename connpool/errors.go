package connpool

import "errors"

var (
	// ErrConfigNotFound no connection parameters registered for a pool identifier
	ErrConfigNotFound = errors.New("connection parameters not found")
	// ErrUnknownDriver no dialer registered under the driver name
	ErrUnknownDriver = errors.New("unknown connection driver")
	// ErrConnectTimeout no connection became available within the requested window
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrAccounting release or use of a connection that breaks pool accounting
	ErrAccounting = errors.New("connection accounting violation")
	// ErrStillInUse pool cleared while connections are checked out
	ErrStillInUse = errors.New("connections still in use")
)

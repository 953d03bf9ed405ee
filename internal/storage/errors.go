package storage

import "errors"

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store is closed")

package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

var (
	ErrHandleNotFound      = fmt.Errorf("handle %w", ErrNotFound)
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrFileIndexOutOfRange = errors.New("file index out of range")
	ErrSourceUnreachable   = errors.New("source unreachable")
	// ErrInsufficientData is transient: the caller should retry once more
	// bytes have been downloaded.
	ErrInsufficientData = errors.New("insufficient buffered data")
	ErrSubprocessSpawn  = errors.New("subprocess spawn failed")
	ErrSubprocessFailed = errors.New("subprocess failed")
	ErrIO               = errors.New("io failure")
)

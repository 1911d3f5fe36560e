package usecase

import (
	"errors"
	"fmt"
)

var ErrEngine = errors.New("engine error")

// wrapEngine tags err as an engine failure while keeping domain sentinels
// reachable through errors.Is.
func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEngine, err)
}

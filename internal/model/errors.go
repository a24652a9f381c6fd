package model

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrDriverUnavailable   = errors.New("driver unavailable")
	ErrNoDriverAvailable   = errors.New("no driver available")
	ErrStaleLocation       = errors.New("stale location")
	ErrOptimizationTimeout = errors.New("optimization iteration cap reached")
	ErrVersionConflict     = errors.New("version conflict")
	ErrSuperseded          = errors.New("superseded by a newer request")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrInvalidInput        = errors.New("invalid input")
)

package main

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors. Call sites wrap these with context (errors.Wrapf,
// errors.WithDetailf, errors.WithHint); callers match with errors.Is.
var (
	// ErrInvalidConfig indicates a configuration value out of range or
	// inconsistent with another value.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownSchedule indicates an unrecognised noise schedule kind.
	ErrUnknownSchedule = errors.New("unknown noise schedule")

	// ErrShapeMismatch indicates inconsistent lengths or dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidMask indicates a structure without any present atom. Mask
	// rows that disagree with the coordinates are ErrShapeMismatch.
	ErrInvalidMask = errors.New("invalid atom mask")

	// ErrInvalidTimestep indicates a timestep outside [0, T).
	ErrInvalidTimestep = errors.New("invalid timestep")

	// ErrNumerical indicates that a NaN or infinity escaped a computation.
	ErrNumerical = errors.New("numerical failure")

	// ErrCheckpoint indicates a checkpoint that cannot be read or does not
	// match the model it is loaded into.
	ErrCheckpoint = errors.New("invalid checkpoint")

	// ErrNoData indicates a dataset without usable structures.
	ErrNoData = errors.New("no training data")
)

package game

import "errors"

var (
	// ErrInvalidConfiguration is returned by constructors given an unusable
	// size or hyperparameter.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidDirection is returned for directions outside Left..Up.
	ErrInvalidDirection = errors.New("invalid direction")

	// ErrInvalidTile marks a non power-of-two cell value.
	ErrInvalidTile = errors.New("invalid tile")
)

package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the caller supplied an unusable value.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrVersionCollision indicates a short version already maps to a different full hash.
	ErrVersionCollision = errors.New("repository: short version collision")
)

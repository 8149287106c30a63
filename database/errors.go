package database

import "github.com/pkg/errors"

var (
	ErrNotFound        = errors.New("poll not found")
	ErrAlreadyExists   = errors.New("poll already exists")
	ErrUnavailable     = errors.New("poll store unavailable")
	ErrConditionFailed = errors.New("poll is not in the required phase")
	ErrInvalidPath     = errors.New("invalid field path")
)

func unavailable(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(ErrUnavailable, format+": %v", append(args, err)...)
}

package domain

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEscrow     = errors.New("escrow already exists for job")
	ErrInvalidState        = errors.New("escrow not in required state")
	ErrNotFound            = errors.New("not found")
)

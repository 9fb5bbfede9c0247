package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidateSourceID rejects the nil UUID.
func ValidateSourceID(id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("invalid migration source id: must not be empty")
	}
	return nil
}

// ValidateSessionID rejects the nil UUID.
func ValidateSessionID(id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("invalid session id: must not be empty")
	}
	return nil
}

// ValidatePage validates page arguments for table paging
func ValidatePage(pageNumber, pageSize int) error {
	if pageNumber < 0 {
		return &ContractError{Op: "page", Msg: fmt.Sprintf("pageNumber must be >= 0, got %d", pageNumber)}
	}
	if pageSize <= 0 {
		return &ContractError{Op: "page", Msg: fmt.Sprintf("pageSize must be > 0, got %d", pageSize)}
	}
	return nil
}

// ValidateTimestamp validates and parses an ISO8601 timestamp
func ValidateTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format: expected ISO8601/RFC3339")
	}
	return t, nil
}

package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique print-job ID
func NewJobID() string {
	return uuid.New().String()
}

// NewBlobID generates a unique blob-key component
func NewBlobID() string {
	return uuid.New().String()
}

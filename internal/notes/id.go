package notes

import (
	"fmt"

	"github.com/google/uuid"
)

// UUIDProvider issues UUIDv7 identifiers. They are time-ordered, so markers created
// offline on one device keep their creation order.
type UUIDProvider struct{}

// NewUUIDProvider constructs the default IDProvider.
func NewUUIDProvider() IDProvider {
	return UUIDProvider{}
}

// NewID returns a fresh identifier.
func (UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("notes: generate id: %w", err)
	}
	return value.String(), nil
}

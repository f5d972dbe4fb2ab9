package collab

import "github.com/google/uuid"

// IDProvider issues opaque identifiers for persisted records.
type IDProvider interface {
	NewID() (string, error)
}

// IDFunc adapts a function to IDProvider.
type IDFunc func() (string, error)

func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider returns an IDProvider issuing time-ordered UUIDv7 strings.
func NewUUIDProvider() IDProvider {
	return IDFunc(func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}

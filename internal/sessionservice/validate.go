package sessionservice

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/storage"
)

var roles = []interface{}{"user", "assistant", "system", "tool"}

// ValidateDocument checks a session before it is written. Failures wrap
// apperr.ErrInvalid.
func ValidateDocument(d models.SessionDocument) error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.ID, validation.Required, validation.By(sessionID)),
		validation.Field(&d.Title, validation.Length(0, 500)),
		validation.Field(&d.Tags, validation.Each(validation.Required, validation.Length(1, 64))),
		validation.Field(&d.Messages, validation.Each(validation.By(message))),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	if d.UpdatedAt.Before(d.CreatedAt) {
		return fmt.Errorf("%w: updatedAt is before createdAt", apperr.ErrInvalid)
	}
	return nil
}

func sessionID(v interface{}) error {
	id, _ := v.(string)
	if !storage.ValidID(id) {
		return errors.New("must be 1-200 letters, digits, '.', '_' or '-'")
	}
	return nil
}

func message(v interface{}) error {
	m, ok := v.(models.Message)
	if !ok {
		return errors.New("must be a message")
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Role, validation.Required, validation.In(roles...)),
	)
}

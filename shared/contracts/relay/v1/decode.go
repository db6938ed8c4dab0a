package v1

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Decode unmarshals an envelope payload into T and validates its tags.
func Decode[T any](env Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%s: %w", env.Type, err)
	}
	return p, nil
}

// NewEnvelope marshals payload into a v1 envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"relay/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// AuthenticatePayload binds the connection to an identity. No credential is checked.
type AuthenticatePayload struct {
	UserID   int64  `json:"userId" validate:"required,gt=0"`
	Username string `json:"username" validate:"required,max=255"`
	Avatar   string `json:"avatar" validate:"max=16"`
}

type SendMessagePayload struct {
	SenderID   int64      `json:"senderId" validate:"required,gt=0"`
	SenderName string     `json:"senderName" validate:"max=255"`
	ReceiverID int64      `json:"receiverId" validate:"required,gt=0"`
	Content    string     `json:"content" validate:"required"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type ChangeStatusPayload struct {
	UserID int64         `json:"userId" validate:"required,gt=0"`
	Status models.Status `json:"status" validate:"required,oneof=Online Away DoNotDisturb Offline"`
}

// PeerPayload describes one live user in user_list and user_joined.
type PeerPayload struct {
	ID       int64         `json:"id"`
	Username string        `json:"username"`
	Avatar   string        `json:"avatar"`
	Status   models.Status `json:"status"`
}

type UserLeftPayload struct {
	UserID int64 `json:"userId"`
}

type StatusChangedPayload struct {
	UserID int64         `json:"userId"`
	Status models.Status `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode unmarshals the envelope data into v and validates it.
func Decode(env *Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return fmt.Errorf("%w: missing or invalid %s", ErrInvalidPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

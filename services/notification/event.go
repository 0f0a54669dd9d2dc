package notification

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrDeliveryFailure = errors.New("otp delivery failed")
	ErrMalformedEvent  = errors.New("malformed notification event")
)

// Event asks for a code to be sent to an address. It carries no identity of
// its own; receiving the same event twice sends the same code twice.
type Event struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Email == "" || e.Code == "" {
		return Event{}, fmt.Errorf("%w: email and code are required", ErrMalformedEvent)
	}
	return e, nil
}

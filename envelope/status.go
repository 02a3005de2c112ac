package envelope

import (
	"encoding/json"
	"strings"

	"github.com/chris-pikul/envelope-relay/errs"
)

//Status is the delivery state of an envelope. The numeric order is the
//allowed direction of travel: status only ever increases.
type Status int

//Delivery states
const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

var statusNames = map[Status]string{
	StatusSent:      "SENT",
	StatusDelivered: "DELIVERED",
	StatusRead:      "READ",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

//Acknowledgeable reports whether s may be requested by an ack
func (s Status) Acknowledgeable() bool {
	return s == StatusDelivered || s == StatusRead
}

//ParseStatus reads a status name, case-insensitive
func ParseStatus(v string) (Status, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for s, n := range statusNames {
		if n == v {
			return s, nil
		}
	}
	return StatusSent, errs.Wrap(errs.CodeInvalidTransition, "unknown status '"+v+"'", nil)
}

//MarshalJSON writes the status name
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

//UnmarshalJSON reads a status name
func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return errs.InvalidPayload("status must be a string")
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

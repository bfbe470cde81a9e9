package servicedef

import (
	"errors"
	"fmt"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// Request is one scripted message. A request with Notification set has no ID and nothing is
// awaited for it.
type Request struct {
	Name         string              `json:"name,omitempty"`
	Method       string              `json:"method"`
	ID           ldvalue.Value       `json:"id"`
	Params       ldvalue.Value       `json:"params"`
	Notification bool                `json:"notification,omitempty"`
	DelayAfterMS ldvalue.OptionalInt `json:"delayAfterMs,omitempty"`
}

// Script is an ordered list of requests.
type Script struct {
	Name     string    `json:"name,omitempty"`
	Requests []Request `json:"requests"`
}

// IDValue returns the request ID as a float64 or string, or nil for a notification.
func (r Request) IDValue() interface{} {
	switch r.ID.Type() {
	case ldvalue.NumberType:
		return r.ID.Float64Value()
	case ldvalue.StringType:
		return r.ID.StringValue()
	default:
		return nil
	}
}

// ParamsJSON returns the params as raw JSON, or nil if there are none.
func (r Request) ParamsJSON() []byte {
	if r.Params.IsNull() {
		return nil
	}
	return []byte(r.Params.JSONString())
}

// Normalize fills in defaults and checks the script for consistency. Requests without a name are
// named after their method. Requests without an ID are given the next unused integer ID, starting
// at 1. It is an error for two requests to share an ID, since responses are matched by ID.
func (s *Script) Normalize() error {
	if len(s.Requests) == 0 {
		return errors.New("script contains no requests")
	}
	used := make(map[string]bool)
	maxInt := 0
	for i, r := range s.Requests {
		if r.Method == "" {
			return fmt.Errorf("request %d has no method", i+1)
		}
		if r.Name == "" {
			s.Requests[i].Name = r.Method
		}
		if r.Notification {
			if !r.ID.IsNull() {
				return fmt.Errorf("request %q is a notification but has an ID", s.Requests[i].Name)
			}
			continue
		}
		switch r.ID.Type() {
		case ldvalue.NullType:
			continue
		case ldvalue.NumberType:
			if !r.ID.IsInt() {
				return fmt.Errorf("request %q has a numeric ID that is not an integer: %s",
					s.Requests[i].Name, r.ID.JSONString())
			}
			if r.ID.IntValue() > maxInt {
				maxInt = r.ID.IntValue()
			}
		case ldvalue.StringType:
		default:
			return fmt.Errorf("request %q has an ID that is not a number or string: %s",
				s.Requests[i].Name, r.ID.JSONString())
		}
		key := r.ID.JSONString()
		if used[key] {
			return fmt.Errorf("request %q reuses ID %s", s.Requests[i].Name, key)
		}
		used[key] = true
	}
	next := maxInt + 1
	for i, r := range s.Requests {
		if r.Notification || !r.ID.IsNull() {
			continue
		}
		for used[ldvalue.Int(next).JSONString()] {
			next++
		}
		s.Requests[i].ID = ldvalue.Int(next)
		used[s.Requests[i].ID.JSONString()] = true
		next++
	}
	return nil
}

// Filter returns a copy of the script containing only the requests whose names are selected,
// and the names of the requests that were left out.
func (s Script) Filter(selected func(name string) bool) (Script, []string) {
	ret := Script{Name: s.Name}
	var skipped []string
	for _, r := range s.Requests {
		if selected(r.Name) {
			ret.Requests = append(ret.Requests, r)
		} else {
			skipped = append(skipped, r.Name)
		}
	}
	return ret, skipped
}

// ExpectedResponses returns the number of requests that expect a response.
func (s Script) ExpectedResponses() int {
	n := 0
	for _, r := range s.Requests {
		if !r.Notification {
			n++
		}
	}
	return n
}

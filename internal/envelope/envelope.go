// Package envelope unwraps oslo.messaging notification bytes, which
// arrive either as a direct (v1) JSON notification or wrapped in a
// v2 envelope ("oslo.version" + "oslo.message" string). The unwrapper
// is stateless and safe for concurrent use.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is returned when the outer or inner bytes are not valid JSON.
type Error struct {
	Stage string // "outer" or "inner"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("envelope: malformed %s JSON: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMalformed is the sentinel wrapped by Error, for errors.Is checks
// that don't care which stage failed.
var ErrMalformed = errors.New("malformed envelope JSON")

// v2 envelope keys, per oslo.messaging's serializer.
const (
	keyVersion = "oslo.version"
	keyMessage = "oslo.message"

	supportedVersion = "2.0"
)

// Warning is a non-fatal observation recorded while unwrapping. The
// only warning this package currently produces is a version mismatch
// on the v2 envelope, which is tolerated intentionally (spec §9).
type Warning struct {
	Message string
}

// Unwrap parses raw as JSON and, if it is a v2 envelope, extracts and
// parses the inner oslo.message string. It returns the inner
// notification as a json.RawMessage (ready for the notification
// parser) plus any non-fatal warnings encountered. Parse failures at
// either layer are reported as *Error, which also satisfies
// errors.Is(err, ErrMalformed).
func Unwrap(raw []byte) (json.RawMessage, []Warning, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		// The body may validly be a non-object JSON value in the v1
		// case (unusual, but nothing in the spec requires an object);
		// only treat it as malformed if it isn't valid JSON at all.
		if !json.Valid(raw) {
			return nil, nil, &Error{Stage: "outer", Err: errors.Join(ErrMalformed, err)}
		}
		return json.RawMessage(raw), nil, nil
	}

	versionRaw, hasVersion := root[keyVersion]
	messageRaw, hasMessage := root[keyMessage]
	if !hasVersion || !hasMessage {
		return json.RawMessage(raw), nil, nil
	}

	var warnings []Warning
	var version string
	if err := json.Unmarshal(versionRaw, &version); err == nil && version != supportedVersion {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("unexpected oslo.version %q (expected %q); continuing", version, supportedVersion),
		})
	}

	var inner string
	if err := json.Unmarshal(messageRaw, &inner); err != nil {
		return nil, warnings, &Error{Stage: "inner", Err: errors.Join(ErrMalformed, err)}
	}

	innerBytes := []byte(inner)
	if !json.Valid(innerBytes) {
		return nil, warnings, &Error{Stage: "inner", Err: fmt.Errorf("%w: oslo.message is not valid JSON", ErrMalformed)}
	}

	return json.RawMessage(innerBytes), warnings, nil
}

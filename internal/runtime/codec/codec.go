// Package codec decodes raw feed payloads into structured comments and
// extracts the text to be spoken.
//
// The wire format is a flat JSON record:
//
//	{"body":"<name><>sage/ contact<>timestamp<>comment text<>",
//	 "no":"<sequence>","bbsid":"<board id>","threadkey":"<thread key>"}
//
// The body field is a composite of "<>"-delimited segments; the fourth
// segment is the comment text itself.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/speakflow/internal/runtime/jsoncodec"
)

// TextDelimiter separates the sub-fields inside a comment body.
const TextDelimiter = "<>"

// textSegment is the zero-based index of the spoken-text segment in a body.
const textSegment = 3

// ParsedComment is the structured result of decoding one inbound payload.
// ExtractedText is computed once at decode time and is a pure function of
// Body; none of the fields are mutated after construction.
type ParsedComment struct {
	// Body is the raw composite field as transmitted.
	Body string
	// SequenceNumber, BoardID and ThreadKey are opaque pass-through
	// identifiers; they are checked for presence only.
	SequenceNumber string
	BoardID        string
	ThreadKey      string
	// ExtractedText is the trimmed fourth segment of Body, or "" when the
	// body has fewer than four segments. An empty result is not an error:
	// it means there is nothing to say.
	ExtractedText string
}

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

const (
	// Malformed means the payload is not valid structural JSON.
	Malformed DecodeErrorKind = iota
	// MissingField means a required field is absent from the record.
	MissingField
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case MissingField:
		return "missing_field"
	default:
		return "unknown"
	}
}

// DecodeError reports why a payload could not be decoded. Decode errors are
// per-message: callers log and drop, they never escalate.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string
	cause error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("speakflow: decode: missing field %q", e.Field)
	default:
		if e.cause != nil {
			return fmt.Sprintf("speakflow: decode: malformed payload: %v", e.cause)
		}
		return "speakflow: decode: malformed payload"
	}
}

func (e *DecodeError) Unwrap() error { return e.cause }

// Is makes errors.Is match any *DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	var other *DecodeError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinel values for errors.Is checks.
var (
	ErrMalformed    = &DecodeError{Kind: Malformed}
	ErrMissingField = &DecodeError{Kind: MissingField}
)

// commentRecord mirrors the wire format. Pointer fields distinguish an
// absent key from a present-but-empty value.
type commentRecord struct {
	Body           *string `json:"body"`
	SequenceNumber *string `json:"no"`
	BoardID        *string `json:"bbsid"`
	ThreadKey      *string `json:"threadkey"`
}

// Decode parses a raw payload into a ParsedComment. All four wire fields
// must be present; their values are not validated beyond presence.
func Decode(rawPayload []byte) (ParsedComment, error) {
	var rec commentRecord
	if err := jsoncodec.Unmarshal(rawPayload, &rec); err != nil {
		return ParsedComment{}, &DecodeError{Kind: Malformed, cause: err}
	}

	for _, f := range []struct {
		name  string
		value *string
	}{
		{"body", rec.Body},
		{"no", rec.SequenceNumber},
		{"bbsid", rec.BoardID},
		{"threadkey", rec.ThreadKey},
	} {
		if f.value == nil {
			return ParsedComment{}, &DecodeError{Kind: MissingField, Field: f.name}
		}
	}

	return ParsedComment{
		Body:           *rec.Body,
		SequenceNumber: *rec.SequenceNumber,
		BoardID:        *rec.BoardID,
		ThreadKey:      *rec.ThreadKey,
		ExtractedText:  ExtractText(*rec.Body),
	}, nil
}

// ExtractText returns the spoken-text segment of a comment body: the fourth
// "<>"-delimited segment trimmed of surrounding whitespace, or "" when fewer
// than four segments exist. Pure and deterministic.
func ExtractText(body string) string {
	segments := strings.Split(body, TextDelimiter)
	if len(segments) <= textSegment {
		return ""
	}
	return strings.TrimSpace(segments[textSegment])
}

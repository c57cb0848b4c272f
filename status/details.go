package status

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
)

// BadRequestTypeURL is the type URL of the google.rpc.BadRequest detail.
const BadRequestTypeURL = "type.googleapis.com/google.rpc.BadRequest"

// LocalizedMessage is an error message in a specific locale.
type LocalizedMessage struct {
	Locale  string
	Message string
}

// FieldViolation describes a single bad field of a request.
type FieldViolation struct {
	// Field is a dot-separated path to the offending field.
	Field       string
	Description string
	// Reason is an UPPER_SNAKE_CASE identifier from the service's domain.
	Reason    string
	Localized *LocalizedMessage
}

// NewFieldViolation returns a violation with only field and description set.
func NewFieldViolation(field, description string) FieldViolation {
	return FieldViolation{Field: field, Description: description}
}

// BadRequest lists the violations of a client request. It focuses on the
// syntactic aspects of the request.
type BadRequest struct {
	FieldViolations []FieldViolation
}

// NewBadRequest returns a BadRequest holding the given violations.
func NewBadRequest(violations ...FieldViolation) *BadRequest {
	return &BadRequest{FieldViolations: violations}
}

// BadRequestWithViolation returns a BadRequest with a single violation.
func BadRequestWithViolation(field, description string) *BadRequest {
	return NewBadRequest(NewFieldViolation(field, description))
}

// AddViolation appends a violation and returns b for chaining.
func (b *BadRequest) AddViolation(field, description string) *BadRequest {
	b.FieldViolations = append(b.FieldViolations, NewFieldViolation(field, description))
	return b
}

func (b *BadRequest) IsEmpty() bool {
	return b == nil || len(b.FieldViolations) == 0
}

// Proto converts b to its wire message.
func (b *BadRequest) Proto() *errdetails.BadRequest {
	out := &errdetails.BadRequest{}
	for _, v := range b.FieldViolations {
		fv := &errdetails.BadRequest_FieldViolation{
			Field:       v.Field,
			Description: v.Description,
			Reason:      v.Reason,
		}
		if v.Localized != nil {
			fv.LocalizedMessage = &errdetails.LocalizedMessage{
				Locale:  v.Localized.Locale,
				Message: v.Localized.Message,
			}
		}
		out.FieldViolations = append(out.FieldViolations, fv)
	}
	return out
}

// BadRequestFromProto converts the wire message into a BadRequest.
func BadRequestFromProto(p *errdetails.BadRequest) *BadRequest {
	b := &BadRequest{}
	for _, fv := range p.GetFieldViolations() {
		v := FieldViolation{
			Field:       fv.GetField(),
			Description: fv.GetDescription(),
			Reason:      fv.GetReason(),
		}
		if lm := fv.GetLocalizedMessage(); lm != nil {
			v.Localized = &LocalizedMessage{Locale: lm.GetLocale(), Message: lm.GetMessage()}
		}
		b.FieldViolations = append(b.FieldViolations, v)
	}
	return b
}

// NewInvalidArgument builds an InvalidArgument status carrying b as a detail.
func NewInvalidArgument(msg string, b *BadRequest) *Status {
	s := New(InvalidArgument, msg)
	if b.IsEmpty() {
		return s
	}
	withDetails, err := s.WithDetails(b.Proto())
	if err != nil {
		return s
	}
	return withDetails
}

// BadRequest returns the first BadRequest detail attached to s.
func (s *Status) BadRequest() (*BadRequest, bool) {
	if s == nil {
		return nil, false
	}
	for _, a := range s.details {
		if a.GetTypeUrl() != BadRequestTypeURL {
			continue
		}
		var p errdetails.BadRequest
		if err := a.UnmarshalTo(&p); err != nil {
			return nil, false
		}
		return BadRequestFromProto(&p), true
	}
	return nil, false
}

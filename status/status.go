package status

import (
	"context"
	"errors"
	"fmt"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Status is the terminal outcome of a call. A nil *Status is equivalent to OK.
// Status values are immutable once built.
type Status struct {
	code    Code
	message string
	details []*anypb.Any
}

// New returns a Status with the given code and message.
func New(c Code, msg string) *Status {
	return &Status{code: c, message: msg}
}

// Newf returns a Status with a formatted message.
func Newf(c Code, format string, a ...any) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// Error returns an error carrying a Status, or nil if c is OK.
func Error(c Code, msg string) error {
	return New(c, msg).Err()
}

// Errorf returns an error carrying a Status with a formatted message.
func Errorf(c Code, format string, a ...any) error {
	return Newf(c, format, a...).Err()
}

// FromProto converts a google.rpc.Status message into a Status.
func FromProto(p *spb.Status) *Status {
	if p == nil {
		return nil
	}
	c := Code(p.GetCode())
	if !c.Valid() {
		c = Unknown
	}
	s := &Status{code: c, message: p.GetMessage()}
	if len(p.GetDetails()) > 0 {
		s.details = make([]*anypb.Any, len(p.GetDetails()))
		for i, d := range p.GetDetails() {
			s.details[i] = proto.Clone(d).(*anypb.Any)
		}
	}
	return s
}

func (s *Status) Code() Code {
	if s == nil {
		return OK
	}
	return s.code
}

func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Proto returns the status as a google.rpc.Status message. The result may be
// modified by the caller.
func (s *Status) Proto() *spb.Status {
	if s == nil {
		return &spb.Status{}
	}
	p := &spb.Status{Code: int32(s.code), Message: s.message}
	for _, d := range s.details {
		p.Details = append(p.Details, proto.Clone(d).(*anypb.Any))
	}
	return p
}

// Err returns an error carrying s, or nil if s is OK.
func (s *Status) Err() error {
	if s.Code() == OK {
		return nil
	}
	return &Err{s: s}
}

// WithDetails returns a copy of s with the given messages appended as details.
// An OK status cannot carry details.
func (s *Status) WithDetails(details ...proto.Message) (*Status, error) {
	if s.Code() == OK {
		return nil, errors.New("status: no details may be attached to an OK status")
	}
	out := &Status{code: s.code, message: s.message, details: append([]*anypb.Any(nil), s.details...)}
	for _, d := range details {
		a, err := anypb.New(d)
		if err != nil {
			return nil, fmt.Errorf("status: pack detail: %w", err)
		}
		out.details = append(out.details, a)
	}
	return out, nil
}

// Details unpacks every detail. Details whose type is not linked into the
// binary are returned as the error from unpacking in their slot.
func (s *Status) Details() []any {
	if s == nil || len(s.details) == 0 {
		return nil
	}
	out := make([]any, 0, len(s.details))
	for _, a := range s.details {
		m, err := a.UnmarshalNew()
		if err != nil {
			out = append(out, err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// HasDetails reports whether any detail is attached.
func (s *Status) HasDetails() bool {
	return s != nil && len(s.details) > 0
}

func (s *Status) String() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.Code(), s.Message())
}

// Err is the error form of a non-OK Status.
type Err struct {
	s *Status
}

func (e *Err) Error() string {
	return e.s.String()
}

// Status returns the Status carried by e.
func (e *Err) Status() *Status {
	return e.s
}

// Is matches another *Err with the same code and message.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return e.s.code == t.s.code && e.s.message == t.s.message
}

// FromError returns the Status carried by err, unwrapping as needed; the
// Status is returned unmodified. ok is false when err does not
// carry a Status, in which case the result has code Unknown and err's text.
// A nil error yields an OK status.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return nil, true
	}
	var se *Err
	if errors.As(err, &se) {
		return se.s, true
	}
	return New(Unknown, err.Error()), false
}

// Convert is FromError without the ok flag. Context errors are mapped to
// Cancelled and DeadlineExceeded.
func Convert(err error) *Status {
	if s, ok := FromError(err); ok {
		return s
	}
	return FromContextError(err)
}

// CodeOf returns the code carried by err, OK for nil and Unknown for errors
// without a Status.
func CodeOf(err error) Code {
	return Convert(err).Code()
}

// FromContextError maps context.Canceled and context.DeadlineExceeded (possibly
// wrapped) to their status codes. Other errors map to Unknown.
func FromContextError(err error) *Status {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return New(Cancelled, err.Error())
	default:
		return New(Unknown, err.Error())
	}
}

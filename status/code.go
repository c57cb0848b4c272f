// Package status defines the terminal outcome of a call: a code from a fixed
// space of 17 values, a human readable message and optional binary details.
//
// A Status travels out-of-band from payload frames, in the trailers of the
// HTTP/2 response (or in the headers of a trailers-only response):
//
//	grpc-status:             decimal code
//	grpc-message:            percent-encoded message
//	grpc-status-details-bin: base64 google.rpc.Status proto
package status

import "strconv"

// Code is a status code. Zero means success, everything else is a failure.
type Code uint32

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16

	maxCode = Unauthenticated
)

var codeNames = [...]string{
	OK:                 "OK",
	Cancelled:          "Cancelled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	PermissionDenied:   "PermissionDenied",
	ResourceExhausted:  "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	OutOfRange:         "OutOfRange",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	DataLoss:           "DataLoss",
	Unauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if c <= maxCode {
		return codeNames[c]
	}
	return "Code(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// Valid reports whether c is one of the 17 defined codes.
func (c Code) Valid() bool {
	return c <= maxCode
}

// ParseCode parses the decimal value of a grpc-status header.
// Values outside the defined space map to Unknown.
func ParseCode(s string) (Code, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return Unknown, err
	}
	c := Code(n)
	if !c.Valid() {
		return Unknown, nil
	}
	return c, nil
}

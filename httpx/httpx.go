// Package httpx frames one HTTP exchange over a caller-owned
// connection: read exactly one request, write exactly one response,
// always closing. The transport and its deadlines stay with the caller.
package httpx

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedTarget means the request target is not of the
// /employee/{id} shape this server recognizes.
var ErrMalformedTarget = errors.New("httpx: malformed request target")

// Request is the parsed request head. It is immutable once parsed and
// owned exclusively by its session.
type Request struct {
	Method     string
	Target     string
	Proto      string
	ProtoMajor int
	ProtoMinor int
}

// Response carries what the one-shot session writes back. The
// connection is always declared closed; there is no keep-alive in this
// design.
type Response struct {
	Status int
	Body   string
}

func NotFound() *Response {
	return &Response{Status: http.StatusNotFound}
}

func BadRequest() *Response {
	return &Response{Status: http.StatusBadRequest}
}

func InternalServerError() *Response {
	return &Response{Status: http.StatusInternalServerError}
}

// ReadRequest reads one request head from r. The body, if any, is
// ignored: recognized requests carry none.
func ReadRequest(r io.Reader) (*Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(r))
	if err != nil {
		return nil, errors.Wrap(err, "read request")
	}
	req.Body.Close()

	return &Request{
		Method:     req.Method,
		Target:     req.RequestURI,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
	}, nil
}

// WriteResponse serializes res to w, mirroring the request's protocol
// version. req may be nil when the response is synthesized before a
// request was parsed.
func WriteResponse(w io.Writer, req *Request, res *Response) error {
	major, minor := 1, 1
	if req != nil {
		major, minor = req.ProtoMajor, req.ProtoMinor
	}

	out := http.Response{
		StatusCode:    res.Status,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        http.Header{},
		Close:         true,
		ContentLength: int64(len(res.Body)),
		Body:          io.NopCloser(strings.NewReader(res.Body)),
	}
	if err := out.Write(w); err != nil {
		return errors.Wrap(err, "write response")
	}
	return nil
}

const employeePrefix = "/employee/"

// ParseEmployeeID extracts the id from a /employee/{id} target. The id
// must be a base-10 int64 consuming the whole remainder; anything else
// is ErrMalformedTarget. No partial value is ever produced.
func ParseEmployeeID(target string) (int64, error) {
	if !strings.HasPrefix(target, employeePrefix) {
		return 0, ErrMalformedTarget
	}
	rest := target[len(employeePrefix):]
	if rest == "" || rest[0] == '-' || rest[0] == '+' {
		return 0, ErrMalformedTarget
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, ErrMalformedTarget
	}
	return id, nil
}

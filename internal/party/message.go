package party

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request is an HTTP request handed to a room, or an internal call between rooms.
type Request struct {
	Method string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// NewRequest builds a request with empty headers and query.
func NewRequest(method string, body []byte) *Request {
	return &Request{
		Method: method,
		Header: make(http.Header),
		Query:  make(url.Values),
		Body:   body,
	}
}

// NewJSONRequest marshals v as the request body.
func NewJSONRequest(method string, v interface{}) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req := NewRequest(method, body)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Decode unmarshals the JSON body into v.
func (r *Request) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalid)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Response is what a room answers to a Request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// JSON encodes v as a response body.
func JSON(status int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Error(http.StatusInternalServerError, "failed to encode response")
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body}
}

// Text returns a plain text response.
func Text(status int, s string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(s)}
}

// Error returns a JSON error body.
func Error(status int, message string) *Response {
	return JSON(status, map[string]string{"error": message})
}

// Fail converts err into an error response with the mapped status.
func Fail(err error) *Response {
	return Error(StatusFor(err), err.Error())
}

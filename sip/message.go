// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sip

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Header is one raw header line. Values are kept as received so they can be
// echoed back into responses unchanged.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed SIP request. Only what the answering side needs, no
// URI or parameter decomposition beyond the request line split.
type Request struct {
	Method string
	URI    string
	Proto  string

	Headers []Header
	Body    []byte

	// Source is the datagram origin. Responses go back there, not to Via.
	Source *net.UDPAddr
}

// ParseRequest splits one datagram into request line, headers and body.
// The body is length delimited by Content-Length when present.
func ParseRequest(data []byte, src *net.UDPAddr) (*Request, error) {
	sep := bytes.Index(data, []byte("\r\n\r\n"))
	if sep < 0 {
		return nil, fmt.Errorf("sip: no header terminator")
	}
	head := string(data[:sep])
	body := data[sep+4:]

	lines := strings.Split(head, "\r\n")
	reqLine := strings.SplitN(lines[0], " ", 3)
	if len(reqLine) != 3 {
		return nil, fmt.Errorf("sip: malformed request line %q", lines[0])
	}

	req := &Request{
		Method: reqLine[0],
		URI:    reqLine[1],
		Proto:  reqLine[2],
		Source: src,
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return nil, fmt.Errorf("sip: malformed header line %q", line)
		}
		req.Headers = append(req.Headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}

	if cl, ok := req.Header("Content-Length"); ok {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n <= len(body) {
			body = body[:n]
		}
	}
	if len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

// Header returns the first header with the given name, case insensitive.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// CallID is a shortcut for the Call-ID header.
func (r *Request) CallID() string {
	v, _ := r.Header("Call-ID")
	return v
}

// Response is an outgoing SIP response. Headers are written in the order
// they were appended, Content-Length is computed at serialization time.
type Response struct {
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

func NewResponse(statusCode int, reason string) *Response {
	return &Response{StatusCode: statusCode, Reason: reason}
}

func (r *Response) AppendHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// Bytes serializes the response with CRLF line endings.
func (r *Response) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", r.StatusCode, r.Reason)
	for _, h := range r.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(r.Body))
	b.Write(r.Body)
	return b.Bytes()
}

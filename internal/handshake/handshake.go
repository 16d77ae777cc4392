// Package handshake implements the HTTP Upgrade handshake codec:
// parsing the client's request line and headers, computing the
// Sec-WebSocket-Accept value, and serializing 101/400 responses. No
// I/O — pure functions over strings, matching spec.md §4.2.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/larskiel/wsserver/internal/wsserr"
)

const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var headerLine = regexp.MustCompile(`^([A-Za-z\-]+)\s*:\s*(.+)$`)

// Request is a parsed client Upgrade request (spec.md §3).
type Request struct {
	HTTPVersion string
	Service     string
	Host        string
	Key         string
	Origin      string
	Protocols   []string
	Extensions  []string
}

// Response is a server Upgrade response (spec.md §3).
type Response struct {
	HTTPVersion       string
	Status            string // "101 Switching Protocols" | "400 Bad Request"
	AcceptKey         string
	AcceptedProtocols []string
	ExtraHeaders      map[string]string
}

// ParseRequest parses the client's raw HTTP Upgrade request text
// (CRLF or LF terminated). Returns a wsserr.DataFormatError on any
// required-field violation.
func ParseRequest(text string) (Request, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 {
		return Request{}, wsserr.New(wsserr.DataFormatError, "empty request")
	}

	requestLine := strings.Fields(lines[0])
	if len(requestLine) != 3 || requestLine[0] != "GET" {
		return Request{}, wsserr.New(wsserr.DataFormatError, "malformed request line")
	}
	uri := requestLine[1]
	version := strings.TrimPrefix(requestLine[2], "HTTP/")
	if !versionAtLeast(version, 1, 1) {
		return Request{}, wsserr.New(wsserr.DataFormatError, "HTTP version must be >= 1.1")
	}

	headers := map[string]string{}
	for _, line := range lines[1:] {
		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			continue // unparsable lines are ignored
		}
		headers[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}

	if !strings.EqualFold(headers["upgrade"], "websocket") {
		return Request{}, wsserr.New(wsserr.DataFormatError, "Upgrade header must be websocket")
	}
	if !strings.EqualFold(headers["connection"], "Upgrade") {
		return Request{}, wsserr.New(wsserr.DataFormatError, "Connection header must be Upgrade")
	}
	if headers["sec-websocket-version"] != "13" {
		return Request{}, wsserr.New(wsserr.DataFormatError, "Sec-WebSocket-Version must be 13")
	}
	key := headers["sec-websocket-key"]
	if key == "" {
		return Request{}, wsserr.New(wsserr.DataFormatError, "missing Sec-WebSocket-Key")
	}
	host := headers["host"]
	if host == "" {
		return Request{}, wsserr.New(wsserr.DataFormatError, "missing Host")
	}

	return Request{
		HTTPVersion: version,
		Service:     lastPathSegment(uri),
		Host:        host,
		Key:         key,
		Origin:      headers["origin"],
		Protocols:   splitTrim(headers["sec-websocket-protocol"]),
		Extensions:  splitTrim(headers["sec-websocket-extensions"]),
	}, nil
}

func lastPathSegment(uri string) string {
	uri = strings.SplitN(uri, "?", 2)[0]
	parts := strings.Split(uri, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 2)
	if len(parts) != 2 {
		return false
	}
	vMajor, err1 := strconv.Atoi(parts[0])
	vMinor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	if vMajor != major {
		return vMajor > major
	}
	return vMinor >= minor
}

// ComputeAcceptKey computes base64(SHA1(clientKey ++ GUID)).
func ComputeAcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + guid))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ResponseFor builds a 101 response for req. Per spec.md §4.2 the
// server never negotiates protocols or extensions: both fields are
// cleared before the response is built.
func ResponseFor(req Request) Response {
	return Response{
		HTTPVersion:       req.HTTPVersion,
		Status:            "101 Switching Protocols",
		AcceptKey:         ComputeAcceptKey(req.Key),
		AcceptedProtocols: nil,
	}
}

// BadRequest builds a 400 response with optional extra headers.
func BadRequest(httpVersion string, extras map[string]string) Response {
	if httpVersion == "" {
		httpVersion = "1.1"
	}
	return Response{
		HTTPVersion:  httpVersion,
		Status:       "400 Bad Request",
		ExtraHeaders: extras,
	}
}

// Serialize renders resp to wire bytes.
func Serialize(resp Response) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%s %s\r\n", resp.HTTPVersion, resp.Status)
	if resp.Status == "101 Switching Protocols" {
		b.WriteString("Upgrade: websocket\r\n")
		b.WriteString("Connection: Upgrade\r\n")
		fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", resp.AcceptKey)
	}
	for k, v := range resp.ExtraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

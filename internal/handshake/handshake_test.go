package handshake

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larskiel/wsserver/internal/wsserr"
)

// The canonical RFC 6455 §1.3 example: key "dGhlIHNhbXBsZSBub25jZQ=="
// accepts to "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=".
func TestComputeAcceptKeyRFCVector(t *testing.T) {
	got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func sampleRequest(path string) string {
	return strings.Join([]string{
		"GET " + path + " HTTP/1.1",
		"Host: server.example.com",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
		"",
		"",
	}, "\r\n")
}

func TestParseRequestValid(t *testing.T) {
	req, err := ParseRequest(sampleRequest("/chat"))
	require.NoError(t, err)
	assert.Equal(t, "chat", req.Service)
	assert.Equal(t, "server.example.com", req.Host)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", req.Key)
	assert.Equal(t, "1.1", req.HTTPVersion)
}

func TestParseRequestMissingKey(t *testing.T) {
	text := strings.Join([]string{
		"GET /chat HTTP/1.1",
		"Host: server.example.com",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Version: 13",
		"",
		"",
	}, "\r\n")
	_, err := ParseRequest(text)
	assert.True(t, wsserr.Is(err, wsserr.DataFormatError))
}

func TestParseRequestWrongVersion(t *testing.T) {
	text := strings.Replace(sampleRequest("/chat"), "Sec-WebSocket-Version: 13", "Sec-WebSocket-Version: 8", 1)
	_, err := ParseRequest(text)
	assert.True(t, wsserr.Is(err, wsserr.DataFormatError))
}

func TestParseRequestRejectsHTTP10(t *testing.T) {
	text := strings.Replace(sampleRequest("/chat"), "HTTP/1.1", "HTTP/1.0", 1)
	_, err := ParseRequest(text)
	assert.True(t, wsserr.Is(err, wsserr.DataFormatError))
}

func TestResponseForClearsNegotiation(t *testing.T) {
	req, err := ParseRequest(sampleRequest("/chat"))
	require.NoError(t, err)
	resp := ResponseFor(req)
	assert.Equal(t, "101 Switching Protocols", resp.Status)
	assert.Nil(t, resp.AcceptedProtocols)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.AcceptKey)
}

func TestSerializeResponse(t *testing.T) {
	req, err := ParseRequest(sampleRequest("/chat"))
	require.NoError(t, err)
	resp := ResponseFor(req)
	out := string(Serialize(resp))
	assert.Contains(t, out, "101 Switching Protocols")
	assert.Contains(t, out, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestSerializeBadRequest(t *testing.T) {
	resp := BadRequest("1.1", map[string]string{"X-Reason": "wrong-service"})
	out := string(Serialize(resp))
	assert.Contains(t, out, "400 Bad Request")
	assert.Contains(t, out, "X-Reason: wrong-service")
	assert.NotContains(t, out, "Sec-WebSocket-Accept")
}

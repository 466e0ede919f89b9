package carrier

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

// sign reproduces the carrier's scheme: parameters sorted by key, key+value
// pairs concatenated after the full URL, HMAC-SHA1 over the auth token,
// base64-encoded.
func sign(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := url
	for _, k := range keys {
		payload += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidatorAccepts(t *testing.T) {
	const token = "12345abcde"
	url := "https://bridge.example.com/voice/status"
	params := map[string]string{
		"CallSid":    "CA1",
		"CallStatus": "completed",
		"From":       "+15550001",
	}

	v := NewValidator(token)
	assert.True(t, v.Valid(url, params, sign(token, url, params)))
}

func TestValidatorRejectsParamMutation(t *testing.T) {
	const token = "12345abcde"
	url := "https://bridge.example.com/voice/status"
	params := map[string]string{"CallSid": "CA1", "CallStatus": "completed"}
	sig := sign(token, url, params)

	mutated := map[string]string{"CallSid": "CA1", "CallStatus": "compleued"}
	v := NewValidator(token)
	assert.False(t, v.Valid(url, mutated, sig))
}

func TestValidatorRejectsURLMutation(t *testing.T) {
	const token = "12345abcde"
	url := "https://bridge.example.com/voice/status"
	params := map[string]string{"CallSid": "CA1"}
	sig := sign(token, url, params)

	v := NewValidator(token)
	assert.False(t, v.Valid("https://bridge.example.com/voice/statut", params, sig))
}

func TestValidatorRejectsWrongToken(t *testing.T) {
	url := "https://bridge.example.com/voice/status"
	params := map[string]string{"CallSid": "CA1"}
	sig := sign("12345abcde", url, params)

	v := NewValidator("12345abcdf")
	assert.False(t, v.Valid(url, params, sig))
}

func TestValidatorRejectsEmptySignature(t *testing.T) {
	v := NewValidator("12345abcde")
	assert.False(t, v.Valid("https://bridge.example.com/voice/status", nil, ""))
}

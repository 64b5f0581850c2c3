package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// SignatureHeader carries the request signature on carrier callbacks.
const SignatureHeader = "X-Twilio-Signature"

// Sign computes the Twilio request signature: HMAC-SHA1 over the full URL
// followed by every form key and value, keys sorted, base64 encoded.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), form[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature fails closed: an empty token or signature never verifies.
func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	if authToken == "" || provided == "" {
		return false
	}
	expected := Sign(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Callback is the form payload of a status callback.
type Callback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
	ErrorMessage  string
}

func ParseCallback(form url.Values) Callback {
	status := form.Get("MessageStatus")
	if status == "" {
		status = form.Get("SmsStatus")
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	cb := Callback{
		MessageSid:    strings.TrimSpace(sid),
		MessageStatus: status,
		ErrorCode:     strings.TrimSpace(form.Get("ErrorCode")),
		ErrorMessage:  form.Get("ErrorMessage"),
	}
	if cb.ErrorCode != "" && cb.ErrorMessage == "" {
		cb.ErrorMessage = describeCode(cb.ErrorCode)
	}
	return cb
}

// describeCode fills in a message for callbacks that carry only a code.
func describeCode(code string) string {
	if n, err := strconv.Atoi(code); err == nil {
		if m, ok := errorMessages[n]; ok {
			return m
		}
	}
	return "Twilio error (" + code + ")"
}

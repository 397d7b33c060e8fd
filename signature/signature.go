package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Field is the top-level key that carries the proof inside a signed body.
const Field = "signature"

var (
	ErrNotObject    = errors.New("payload is not a JSON object")
	ErrDuplicateKey = errors.New("payload has a duplicate top-level key")
	ErrTrailingData = errors.New("payload has trailing data")
)

// Codec signs and verifies payloads with a single shared secret.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of payload exactly as given.
func (c *Codec) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of payload. The digest
// comparison is constant time.
func (c *Codec) Verify(payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody canonicalizes a JSON object body and signs the result.
func (c *Codec) SignBody(body []byte) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	return c.Sign(canonical), nil
}

// VerifyBody canonicalizes a JSON object body and checks signature against
// it. A body that cannot be canonicalized never verifies.
func (c *Codec) VerifyBody(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	canonical, err := Canonicalize(body)
	if err != nil {
		return false
	}
	return c.Verify(canonical, signature)
}

// Canonicalize drops the top-level signature field and re-emits the object
// as compact JSON. Keys keep the order they were received in, and keys and
// values keep their literal text, so a sender that serialized the object with
// JSON.stringify (or any compact encoder) produces the same bytes.
func Canonicalize(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotObject
	}

	var out bytes.Buffer
	out.WriteByte('{')
	seen := make(map[string]struct{})
	first := true

	for dec.More() {
		start := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, ErrNotObject
		}
		if _, dup := seen[key]; dup {
			return nil, ErrDuplicateKey
		}
		seen[key] = struct{}{}
		rawKey := rawToken(body[start:dec.InputOffset()])

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("failed to read value for %q: %w", key, err)
		}
		if key == Field {
			continue
		}

		if !first {
			out.WriteByte(',')
		}
		first = false

		out.Write(rawKey)
		out.WriteByte(':')
		if err := json.Compact(&out, value); err != nil {
			return nil, fmt.Errorf("failed to compact value for %q: %w", key, err)
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read payload end: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}

	out.WriteByte('}')
	return out.Bytes(), nil
}

// rawToken strips the separator and whitespace the decoder consumed ahead
// of a key, leaving its literal quoted text.
func rawToken(b []byte) []byte {
	b = bytes.TrimLeft(b, " \t\r\n")
	b = bytes.TrimPrefix(b, []byte(","))
	return bytes.TrimLeft(b, " \t\r\n")
}

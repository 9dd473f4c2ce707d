package authn

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsedSignature is a decoded `Authorization: Signature ...` header, in
// the draft-cavage-http-signatures shape the original Joyent
// http-signature module (and therefore this protocol) uses: a
// comma-separated list of key="value" parameters after the scheme.
type ParsedSignature struct {
	KeyID     string
	Algorithm string
	Headers   []string // defaults to ["(request-target)"] if absent
	Signature []byte   // base64-decoded
}

// AlgorithmFamily returns the portion of Algorithm before the first
// "-", lower-cased: "hmac", "rsa", "ecdsa". Authentication branches on
// exactly this to decide which verification path to take.
func (p ParsedSignature) AlgorithmFamily() string {
	if i := strings.IndexByte(p.Algorithm, '-'); i >= 0 {
		return strings.ToLower(p.Algorithm[:i])
	}
	return strings.ToLower(p.Algorithm)
}

// ParseAuthorization parses the Authorization header value. It requires
// scheme "Signature": any other scheme, or a malformed parameter list,
// is rejected.
func ParseAuthorization(header string) (ParsedSignature, error) {
	header = strings.TrimSpace(header)
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Signature") {
		return ParsedSignature{}, fmt.Errorf("authn: unsupported scheme %q", scheme)
	}

	params := splitParams(rest)
	var sig ParsedSignature
	var sigB64 string
	for k, v := range params {
		switch strings.ToLower(k) {
		case "keyid":
			sig.KeyID = v
		case "algorithm":
			sig.Algorithm = v
		case "headers":
			sig.Headers = strings.Fields(v)
		case "signature":
			sigB64 = v
		}
	}
	if sig.KeyID == "" || sig.Algorithm == "" || sigB64 == "" {
		return ParsedSignature{}, fmt.Errorf("authn: missing keyId/algorithm/signature")
	}
	if len(sig.Headers) == 0 {
		sig.Headers = []string{"(request-target)"}
	}
	decoded, err := b64Decode(sigB64)
	if err != nil {
		return ParsedSignature{}, fmt.Errorf("authn: bad signature encoding: %w", err)
	}
	sig.Signature = decoded
	return sig, nil
}

// splitParams parses `key1="v1",key2="v2"` into a map, tolerating
// unquoted values as some HTTP-signature clients emit.
func splitParams(s string) map[string]string {
	out := make(map[string]string)
	var cur strings.Builder
	inQuotes := false
	var parts []string
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	for _, part := range parts {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

func b64Decode(s string) ([]byte, error) {
	return base64StdOrURL(s)
}

// SigningString builds the exact byte sequence the client signed, given
// the (request-target) pseudo-header and the rest of the request's
// headers, joining the fields named in sig.Headers with "\n" in order.
func SigningString(sig ParsedSignature, requestTarget string, headers map[string]string) (string, error) {
	lines := make([]string, 0, len(sig.Headers))
	for _, h := range sig.Headers {
		h = strings.ToLower(h)
		if h == "(request-target)" {
			lines = append(lines, "(request-target): "+requestTarget)
			continue
		}
		v, ok := headers[h]
		if !ok {
			return "", fmt.Errorf("authn: signed header %q missing from request", h)
		}
		lines = append(lines, h+": "+v)
	}
	return strings.Join(lines, "\n"), nil
}

// ParseContentLength is a small helper used when "content-length" is
// one of the signed headers.
func ParseContentLength(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

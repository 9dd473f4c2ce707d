package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/domain"
)

func signHMAC(key []byte, signingString string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func authzHeader(keyID, algorithm, headers, signature string) string {
	return fmt.Sprintf(`Signature keyId="%s",algorithm="%s",headers="%s",signature="%s"`, keyID, algorithm, headers, signature)
}

func TestAuthenticate_HMAC_PicksNewestUnexpiredToken(t *testing.T) {
	piv := domain.PIVToken{GUID: "abc"}
	older := domain.RecoveryToken{UUID: "1", Token: "oldsecret", Created: time.Unix(100, 0)}
	expired := time.Unix(400, 0)
	newerExpired := domain.RecoveryToken{UUID: "2", Token: "expiredsecret", Created: time.Unix(200, 0), Expired: &expired}
	newest := domain.RecoveryToken{UUID: "3", Token: "newestsecret", Created: time.Unix(300, 0)}

	req := Request{
		Method:  "POST",
		Path:    "/pivtokens/abc",
		Headers: map[string]string{"date": "Sat, 01 Aug 2026 00:00:00 GMT"},
	}
	signingString, err := SigningString(ParsedSignature{Headers: []string{"(request-target)", "date"}}, req.requestTarget(), req.Headers)
	require.NoError(t, err)

	sig := signHMAC([]byte(newest.Token), signingString)
	req.Authorization = authzHeader("abc", "hmac-sha256", "(request-target) date", sig)

	v := Verifier{}
	err = v.Authenticate(req, piv, []domain.RecoveryToken{older, newerExpired, newest})
	assert.NoError(t, err)
}

func TestAuthenticate_HMAC_WrongKeyFails(t *testing.T) {
	piv := domain.PIVToken{GUID: "abc"}
	token := domain.RecoveryToken{UUID: "1", Token: "secret", Created: time.Unix(100, 0)}

	req := Request{Method: "GET", Path: "/pivtokens/abc", Headers: map[string]string{}}
	signingString, err := SigningString(ParsedSignature{Headers: []string{"(request-target)"}}, req.requestTarget(), req.Headers)
	require.NoError(t, err)

	sig := signHMAC([]byte("not-the-right-secret"), signingString)
	req.Authorization = authzHeader("abc", "hmac-sha256", "(request-target)", sig)

	v := Verifier{}
	err = v.Authenticate(req, piv, []domain.RecoveryToken{token})
	assert.Error(t, err)
}

func TestAuthenticate_HMAC_NoUnexpiredTokenFails(t *testing.T) {
	piv := domain.PIVToken{GUID: "abc"}
	expired := time.Unix(50, 0)
	token := domain.RecoveryToken{UUID: "1", Token: "secret", Created: time.Unix(100, 0), Expired: &expired}

	req := Request{Method: "GET", Path: "/pivtokens/abc", Headers: map[string]string{}}
	req.Authorization = authzHeader("abc", "hmac-sha256", "(request-target)", "ZGVhZGJlZWY=")

	v := Verifier{}
	err := v.Authenticate(req, piv, []domain.RecoveryToken{token})
	assert.Error(t, err)
}

func TestParseAuthorization_RejectsNonSignatureScheme(t *testing.T) {
	_, err := ParseAuthorization("Bearer abc123")
	assert.Error(t, err)
}

func TestParseAuthorization_DefaultsHeadersToRequestTarget(t *testing.T) {
	sig, err := ParseAuthorization(authzHeader("abc", "rsa-sha256", "", "ZGVhZGJlZWY="))
	require.NoError(t, err)
	assert.Equal(t, []string{"(request-target)"}, sig.Headers)
}

func TestAlgorithmFamily(t *testing.T) {
	assert.Equal(t, "hmac", ParsedSignature{Algorithm: "hmac-sha256"}.AlgorithmFamily())
	assert.Equal(t, "rsa", ParsedSignature{Algorithm: "rsa-sha256"}.AlgorithmFamily())
	assert.Equal(t, "ecdsa", ParsedSignature{Algorithm: "ecdsa-sha512"}.AlgorithmFamily())
}

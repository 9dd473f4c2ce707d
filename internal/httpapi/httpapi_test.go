package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/httpapi"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
)

func newTestServer() http.Handler {
	s := memstore.New()
	return httpapi.NewServer(httpapi.Deps{
		Store:           s,
		PIV:             piv.NewManager(s, nil),
		RecoveryTokens:  recoverytoken.NewManager(s, nil),
		RecoveryConfigs: recoveryconfig.NewManager(s, nil),
	}).Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const testCNUUID = "550e8400-e29b-41d4-a716-446655440000"
const testSSHKey = "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBF479Ed48upPRCfJq476GwFyPryrZpwEoGu1tysbwjdkDm/VhuKJz/buRrPGUU7HLQmHRj8OIv6gBs8TLEdhxwE= test@example"

func validCreate(guid string) piv.CreateInput {
	return piv.CreateInput{
		GUID:    guid,
		CNUUID:  testCNUUID,
		PubKeys: map[string]string{"9e": testSSHKey},
		PIN:     "123456",
	}
}

func TestHandleCreatePIVToken_FreshGUIDReturns201(t *testing.T) {
	h := newTestServer()
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", validCreate("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		domain.PIVToken
		RecoveryToken *domain.RecoveryToken `json:"recovery_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", body.GUID)
	assert.Nil(t, body.RecoveryToken, "no active configuration yet, bootstrap path skips the first token")
}

func TestHandleCreatePIVToken_RejectsInvalidFields(t *testing.T) {
	h := newTestServer()
	in := validCreate("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	in.CNUUID = "not-a-uuid"
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", in)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleGetPIVToken_NotFound(t *testing.T) {
	h := newTestServer()
	rec := doJSON(t, h, http.MethodGet, "/pivtokens/MISSINGMISSINGMISSINGMISSINGMISS", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetPIVToken_RoundTrip(t *testing.T) {
	h := newTestServer()
	guid := "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", validCreate(guid))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/pivtokens/"+guid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok domain.PIVToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, guid, tok.GUID)
	assert.Empty(t, tok.PIN, "public view must never echo the pin")
}

func TestHandleDeletePIVToken_RequiresAuthentication(t *testing.T) {
	h := newTestServer()
	guid := "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", validCreate(guid))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/pivtokens/"+guid, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleUpdatePIVToken_RequiresAuthentication(t *testing.T) {
	h := newTestServer()
	guid := "DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD"
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", validCreate(guid))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/pivtokens/"+guid, map[string]any{"cn_uuid": "660e8400-e29b-41d4-a716-446655440001"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCreatePIVToken_RefreshOnExistingGUIDRequiresAuthentication(t *testing.T) {
	h := newTestServer()
	guid := "EEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE"
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", validCreate(guid))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/pivtokens", validCreate(guid))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "repeated create without a signature must not be able to probe or refresh an existing token")
}

func TestHandleListPIVTokens_FiltersByCNUUID(t *testing.T) {
	h := newTestServer()
	guid := "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"
	rec := doJSON(t, h, http.MethodPost, "/pivtokens", validCreate(guid))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/pivtokens?cn_uuid="+testCNUUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toks []domain.PIVToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toks))
	assert.Len(t, toks, 1)
}

func TestHandlePing(t *testing.T) {
	h := newTestServer()
	rec := doJSON(t, h, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSwaggerSpecIsServed(t *testing.T) {
	h := newTestServer()
	rec := doJSON(t, h, http.MethodGet, "/docs/swagger.json", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"swagger"`)
}

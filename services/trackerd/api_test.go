package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tagtrace/pkg/keystore"
	"tagtrace/pkg/location"
	"tagtrace/pkg/presence"
	"tagtrace/pkg/seal"
	"tagtrace/pkg/store"
	"tagtrace/pkg/telemetry"
)

const testEID = "00112233445566778899aabbccddeeff00112233"

var apiSecret = []byte("test-api-secret")

func newTestAPI(t *testing.T) (*httptest.Server, *keystore.Store, *store.Memory) {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "keys.enc"), make([]byte, 32))
	require.NoError(t, err)
	st := store.NewMemory()
	api := newAPI(ks, st, presence.New(10), apiSecret, nil, nil)
	mux := http.NewServeMux()
	api.routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, ks, st
}

func ownerToken(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "owner",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(apiSecret)
	require.NoError(t, err)
	return tok
}

func doReq(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp := doReq(t, http.MethodGet, srv.URL+"/api/devices", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).
		SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	resp = doReq(t, http.MethodGet, srv.URL+"/api/devices", bad, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterPublishesKeyAndPreservesIt(t *testing.T) {
	srv, ks, st := newTestAPI(t)
	token := ownerToken(t)

	resp := doReq(t, http.MethodPost, srv.URL+"/api/register", token, `{"eid":"`+testEID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		PublicKey string `json:"publicKey"`
		Created   bool   `json:"created"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Created)

	doc, err := st.Get(context.Background(), testEID)
	require.NoError(t, err)
	require.True(t, doc.Registered)
	require.Equal(t, out.PublicKey, doc.PublicKey)

	// Registering again must preserve the key pair.
	resp = doReq(t, http.MethodPost, srv.URL+"/api/register", token, `{"eid":"`+testEID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again struct {
		PublicKey string `json:"publicKey"`
		Created   bool   `json:"created"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	require.False(t, again.Created)
	require.Equal(t, out.PublicKey, again.PublicKey)

	priv, err := ks.Key(testEID)
	require.NoError(t, err)
	require.Equal(t, out.PublicKey, seal.MarshalPublicKey(priv.PublicKey()))
}

func TestRegisterRejectsBadEID(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp := doReq(t, http.MethodPost, srv.URL+"/api/register", ownerToken(t), `{"eid":"nope"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRingArmsBuzzer(t *testing.T) {
	srv, _, st := newTestAPI(t)
	resp := doReq(t, http.MethodPost, srv.URL+"/api/ring", ownerToken(t),
		`{"eid":"`+testEID+`","duration_ms":3000,"format":"text"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	doc, err := st.Get(context.Background(), testEID)
	require.NoError(t, err)
	require.True(t, doc.BuzzerFlag)
	require.Equal(t, 3000, doc.BuzzerDuration)
	require.Equal(t, "text", doc.CommandFormat)
}

func TestRingRejectsUnknownFormat(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp := doReq(t, http.MethodPost, srv.URL+"/api/ring", ownerToken(t),
		`{"eid":"`+testEID+`","format":"morse"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLocateRoundTrip(t *testing.T) {
	srv, _, st := newTestAPI(t)
	token := ownerToken(t)

	resp := doReq(t, http.MethodPost, srv.URL+"/api/register", token, `{"eid":"`+testEID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A sighting reported through the telemetry pipeline.
	rep := telemetry.New(st, location.Fixed{Lat: 12.34, Lng: 56.78, TS: 1000}, time.Second, nil, nil)
	_, err := rep.Report(context.Background(), testEID)
	require.NoError(t, err)

	resp = doReq(t, http.MethodGet, srv.URL+"/api/locate?eid="+testEID, token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Location location.Record `json:"location"`
		Reports  int             `json:"reports"`
		Dropped  int             `json:"dropped"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, location.Record{Lat: 12.34, Lng: 56.78, TS: 1000}, out.Location)
	require.Equal(t, 1, out.Reports)
	require.Equal(t, 0, out.Dropped)
}

func TestLocateUnregistered(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp := doReq(t, http.MethodGet, srv.URL+"/api/locate?eid="+testEID, ownerToken(t), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLocateNoReports(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	token := ownerToken(t)
	resp := doReq(t, http.MethodPost, srv.URL+"/api/register", token, `{"eid":"`+testEID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doReq(t, http.MethodGet, srv.URL+"/api/locate?eid="+testEID, token, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

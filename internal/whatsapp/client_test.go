package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	var gotPath, gotFrom, gotTo, gotBody string
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotFrom = r.PostForm.Get("From")
		gotTo = r.PostForm.Get("To")
		gotBody = r.PostForm.Get("Body")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid": "SM123", "status": "queued"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		AccountSID: "AC42",
		AuthToken:  "secret",
		FromNumber: "+15550001111",
		BaseURL:    srv.URL,
	}, slog.Default())

	err := client.Send(context.Background(), "+15552223333", "hello")
	require.NoError(t, err)

	require.Equal(t, "/2010-04-01/Accounts/AC42/Messages.json", gotPath)
	require.Equal(t, "AC42", gotUser)
	require.Equal(t, "secret", gotPass)
	require.Equal(t, "whatsapp:+15550001111", gotFrom)
	require.Equal(t, "whatsapp:+15552223333", gotTo)
	require.Equal(t, "hello", gotBody)
}

func TestSendKeepsExistingPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "whatsapp:+15552223333", r.PostForm.Get("To"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid": "SM123"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{AccountSID: "AC42", AuthToken: "s", FromNumber: "+1555", BaseURL: srv.URL}, slog.Default())
	require.NoError(t, client.Send(context.Background(), "whatsapp:+15552223333", "hi"))
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message": "The 'To' number is not a valid phone number."}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{AccountSID: "AC42", AuthToken: "s", FromNumber: "+1555", BaseURL: srv.URL}, slog.Default())
	err := client.Send(context.Background(), "bogus", "hi")
	require.ErrorContains(t, err, "status 400")
	require.ErrorContains(t, err, "not a valid phone number")
}

func signParams(token, requestURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := requestURL
	for _, k := range keys {
		for _, v := range params[k] {
			data += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	const token = "twilio-auth-token"
	const reqURL = "https://relay.example.com/api/webhooks/whatsapp/acme"

	params := url.Values{}
	params.Set("From", "whatsapp:+15552223333")
	params.Set("To", "whatsapp:+15550001111")
	params.Set("Body", "hello")

	sig := signParams(token, reqURL, params)
	require.True(t, ValidateSignature(token, reqURL, params, sig))

	// Any tampering invalidates the signature.
	params.Set("Body", "tampered")
	require.False(t, ValidateSignature(token, reqURL, params, sig))

	params.Set("Body", "hello")
	require.False(t, ValidateSignature("wrong-token", reqURL, params, sig))
	require.False(t, ValidateSignature(token, reqURL+"?x=1", params, sig))
	require.False(t, ValidateSignature(token, reqURL, params, "garbage"))
}

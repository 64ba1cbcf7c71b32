package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"our-journey-auth/internal/auth"
	"our-journey-auth/internal/observability"
)

func TestGoogleVerifier_ParsesTokenInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "good-token", r.URL.Query().Get("id_token"))
		_, _ = w.Write([]byte(`{"sub":"123","email":"g@example.com","email_verified":"true","given_name":"Gil","family_name":"Hong","aud":"client-1"}`))
	}))
	defer server.Close()

	claims, err := NewGoogleVerifier(server.URL, "client-1", time.Second).Verify(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, auth.ExternalClaims{
		Subject:       "123",
		Email:         "g@example.com",
		EmailVerified: true,
		GivenName:     "Gil",
		FamilyName:    "Hong",
		Audience:      "client-1",
	}, claims)
}

func TestGoogleVerifier_AcceptsBooleanAndUnverified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub":"1","email":"g@example.com","email_verified":false}`))
	}))
	defer server.Close()

	claims, err := NewGoogleVerifier(server.URL, "", time.Second).Verify(context.Background(), "t")
	require.NoError(t, err)
	assert.False(t, claims.EmailVerified)
}

func TestGoogleVerifier_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		clientID string
	}{
		{name: "non-200", status: http.StatusBadRequest, body: `{"error":"invalid_token"}`},
		{name: "wrong audience", status: http.StatusOK, body: `{"email":"g@example.com","aud":"other"}`, clientID: "client-1"},
		{name: "missing email", status: http.StatusOK, body: `{"sub":"1"}`},
		{name: "garbage", status: http.StatusOK, body: `not json`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := NewGoogleVerifier(server.URL, tc.clientID, time.Second).Verify(context.Background(), "t")
			assert.ErrorIs(t, err, auth.ErrInvalidExternalToken)
		})
	}
}

func TestProfileClient_PostsUserID(t *testing.T) {
	var got map[string]int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/profiles", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewProfileClient(server.URL+"/", time.Second, observability.NewLoggerWithOutput(&bytes.Buffer{}))
	require.NoError(t, client.NotifyCreated(context.Background(), 42))
	assert.Equal(t, map[string]int64{"id": 42}, got)
}

func TestProfileClient_FailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewProfileClient(server.URL, time.Second, nil).NotifyCreated(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestProfileClient_SkipsWithoutURL(t *testing.T) {
	var buf bytes.Buffer
	client := NewProfileClient("", time.Second, observability.NewLoggerWithOutput(&buf))

	require.NoError(t, client.NotifyCreated(context.Background(), 1))
	assert.Contains(t, buf.String(), "profile_notify_skipped")
}

type stubResolver struct {
	records []*net.MX
	err     error
}

func (s stubResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	return s.records, s.err
}

func TestMXValidator(t *testing.T) {
	tests := []struct {
		name     string
		resolver stubResolver
		want     bool
		wantErr  bool
	}{
		{name: "has records", resolver: stubResolver{records: []*net.MX{{Host: "mx.example.com.", Pref: 10}}}, want: true},
		{name: "no answer", resolver: stubResolver{}, want: false},
		{name: "nxdomain", resolver: stubResolver{err: &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}}, want: false},
		{name: "servfail", resolver: stubResolver{err: &net.DNSError{Err: "server misbehaving", IsTemporary: true}}, wantErr: true},
		{name: "other", resolver: stubResolver{err: errors.New("boom")}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			validator := &MXValidator{resolver: tc.resolver, timeout: time.Second}
			got, err := validator.HasMX(context.Background(), "example.com")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	ok, err := NewMXValidator(time.Second).HasMX(context.Background(), " ")
	require.NoError(t, err)
	assert.False(t, ok)
}

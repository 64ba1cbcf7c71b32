package auth

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordPolicy_Validate(t *testing.T) {
	policy := DefaultPasswordPolicy()

	tests := []struct {
		name     string
		password string
		email    string
		want     []string
	}{
		{name: "strong", password: "correct-Horse-42", email: "user@example.com"},
		{name: "short", password: "aB3$x", email: "user@example.com", want: []string{fmt.Sprintf(msgPasswordTooShort, 8)}},
		{name: "common", password: "password123", email: "user@example.com", want: []string{msgPasswordCommon}},
		{name: "numeric", password: "8675309123", email: "user@example.com", want: []string{msgPasswordNumeric}},
		{name: "similar to email", password: "journeyman2024", email: "journeyman@example.com", want: []string{msgPasswordSimilar}},
		{name: "too long", password: strings.Repeat("ab", 40), email: "user@example.com", want: []string{msgPasswordTooLong}},
		{name: "short numeric", password: "1234", email: "user@example.com", want: []string{fmt.Sprintf(msgPasswordTooShort, 8), msgPasswordNumeric}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.Validate(tc.password, tc.email))
		})
	}
}

func TestCheckPassword(t *testing.T) {
	hash, err := hashPassword("s3cure-Passphrase")
	require.NoError(t, err)

	user := User{PasswordHash: &hash}
	assert.True(t, checkPassword(user, "s3cure-Passphrase"))
	assert.False(t, checkPassword(user, "wrong"))

	social := User{}
	assert.False(t, social.HasUsablePassword())
	assert.False(t, checkPassword(social, ""))
}

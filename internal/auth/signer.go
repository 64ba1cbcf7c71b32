package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	confirmationSalt  = "our-journey-auth.email-confirmation"
	passwordResetSalt = "our-journey-auth.password-reset"

	resetDigestLength = 32
)

func keyedMAC(secret []byte, salt string, parts ...string) []byte {
	// Derive a per-purpose key so a confirmation MAC can never validate as a reset MAC.
	derived := hmac.New(sha256.New, secret)
	derived.Write([]byte(salt))

	mac := hmac.New(sha256.New, derived.Sum(nil))
	for i, part := range parts {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(part))
	}
	return mac.Sum(nil)
}

// SignConfirmationKey builds "<id36>:<ts36>:<mac>" for an email address id.
func SignConfirmationKey(secret []byte, addressID int64, now time.Time) string {
	payload := strconv.FormatInt(addressID, 36)
	ts := strconv.FormatInt(now.Unix(), 36)
	mac := keyedMAC(secret, confirmationSalt, payload, ts)
	return payload + ":" + ts + ":" + base64.RawURLEncoding.EncodeToString(mac)
}

// VerifyConfirmationKey returns the email address id encoded in key when the
// MAC matches and the key is younger than maxAge.
func VerifyConfirmationKey(secret []byte, key string, maxAge time.Duration, now time.Time) (int64, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return 0, ErrInvalidConfirmation
	}

	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, ErrInvalidConfirmation
	}
	want := keyedMAC(secret, confirmationSalt, parts[0], parts[1])
	if !hmac.Equal(got, want) {
		return 0, ErrInvalidConfirmation
	}

	issuedAt, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil || !withinWindow(issuedAt, maxAge, now) {
		return 0, ErrInvalidConfirmation
	}

	addressID, err := strconv.ParseInt(parts[0], 36, 64)
	if err != nil || addressID <= 0 {
		return 0, ErrInvalidConfirmation
	}

	return addressID, nil
}

// passwordFingerprint changes whenever the password hash, last login or email
// changes, which retires every reset token issued before.
func passwordFingerprint(user User) []string {
	hash := ""
	if user.PasswordHash != nil {
		hash = *user.PasswordHash
	}
	lastLogin := ""
	if user.LastLogin != nil {
		lastLogin = strconv.FormatInt(user.LastLogin.UTC().Truncate(time.Second).Unix(), 10)
	}
	return []string{
		strconv.FormatInt(user.ID, 10),
		hash,
		lastLogin,
		strings.ToLower(user.Email),
	}
}

// MakePasswordResetToken builds "<ts36>-<hex digest>" bound to the user's password state.
func MakePasswordResetToken(secret []byte, user User, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 36)
	return ts + "-" + resetDigest(secret, user, ts)
}

func CheckPasswordResetToken(secret []byte, user User, token string, maxAge time.Duration, now time.Time) bool {
	ts, digest, ok := strings.Cut(token, "-")
	if !ok || ts == "" || digest == "" {
		return false
	}

	issuedAt, err := strconv.ParseInt(ts, 36, 64)
	if err != nil || !withinWindow(issuedAt, maxAge, now) {
		return false
	}

	return hmac.Equal([]byte(digest), []byte(resetDigest(secret, user, ts)))
}

func resetDigest(secret []byte, user User, ts string) string {
	parts := append(passwordFingerprint(user), ts)
	return hex.EncodeToString(keyedMAC(secret, passwordResetSalt, parts...))[:resetDigestLength]
}

func withinWindow(issuedAt int64, maxAge time.Duration, now time.Time) bool {
	age := now.Unix() - issuedAt
	// A minute of clock skew between replicas is tolerated.
	if age < -60 {
		return false
	}
	return time.Duration(age)*time.Second <= maxAge
}

// EncodeUID and DecodeUID carry a user id through a URL path segment.
func EncodeUID(userID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(userID, 10)))
}

func DecodeUID(uid string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(uid, "="))
	if err != nil {
		return 0, ErrInvalidUID
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidUID
	}
	return id, nil
}

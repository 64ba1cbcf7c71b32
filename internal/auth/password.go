package auth

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var passwordHashCost = bcrypt.DefaultCost

const (
	msgPasswordTooShort = "비밀번호가 너무 짧습니다. 최소 %d 문자를 포함해야 합니다."
	msgPasswordCommon   = "비밀번호가 너무 일상적인 단어입니다."
	msgPasswordNumeric  = "비밀번호가 전부 숫자로 되어 있습니다."
	msgPasswordSimilar  = "비밀번호가 이메일 주소와 너무 유사합니다."
	msgPasswordTooLong  = "비밀번호가 너무 깁니다. 최대 72 바이트까지 사용할 수 있습니다."
)

// bcrypt ignores everything past this length.
const maxPasswordBytes = 72

var nonWord = regexp.MustCompile(`\W+`)

// commonPasswords is a small deny-list of the most frequently leaked passwords.
var commonPasswords = map[string]struct{}{}

func init() {
	for _, p := range []string{
		"password", "password1", "password123", "passw0rd", "12345678", "123456789", "1234567890",
		"qwerty123", "qwertyuiop", "iloveyou", "sunshine", "princess", "football", "baseball",
		"welcome1", "abc12345", "admin123", "letmein1", "11111111", "00000000", "asdfghjk",
		"zxcvbnm1", "1q2w3e4r", "1q2w3e4r5t", "qwer1234", "q1w2e3r4", "dragon12", "monkey12",
		"superman", "trustno1", "starwars", "whatever", "computer", "michael1", "shadow12",
	} {
		commonPasswords[p] = struct{}{}
	}
}

type PasswordPolicy struct {
	MinLength int
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8}
}

// Validate returns every rule the password breaks, in a stable order.
func (p PasswordPolicy) Validate(password, email string) []string {
	var problems []string

	if similarToEmail(password, email) {
		problems = append(problems, msgPasswordSimilar)
	}
	if len([]rune(password)) < p.MinLength {
		problems = append(problems, fmt.Sprintf(msgPasswordTooShort, p.MinLength))
	}
	if len(password) > maxPasswordBytes {
		problems = append(problems, msgPasswordTooLong)
	}
	if _, ok := commonPasswords[strings.ToLower(strings.TrimSpace(password))]; ok {
		problems = append(problems, msgPasswordCommon)
	}
	if password != "" && isAllDigits(password) {
		problems = append(problems, msgPasswordNumeric)
	}

	return problems
}

func similarToEmail(password, email string) bool {
	password = strings.ToLower(password)
	email = strings.ToLower(strings.TrimSpace(email))
	if password == "" || email == "" {
		return false
	}
	if password == email {
		return true
	}

	local, _, _ := strings.Cut(email, "@")
	for _, part := range append([]string{local}, nonWord.Split(local, -1)...) {
		if len(part) < 4 {
			continue
		}
		if strings.Contains(password, part) || strings.Contains(part, password) {
			return true
		}
	}

	return false
}

func isAllDigits(value string) bool {
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func hashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), passwordHashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(user User, plain string) bool {
	if !user.HasUsablePassword() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(plain)) == nil
}

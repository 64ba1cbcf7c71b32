package auth

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxJSONBodyBytes = 1 << 20

const (
	msgInvalidJSON          = "invalid json body"
	msgCredentialsNeeded    = `"email"과 "password"를 반드시 포함해야 합니다.`
	msgInvalidCredentials   = "주어진 자격 증명으로 로그인이 불가능합니다."
	msgEmailNotVerified     = "이메일 인증이 필요합니다."
	msgLoginLocked          = "로그인 시도가 너무 많습니다. 잠시 후 다시 시도해주세요."
	msgInvalidDomain        = "유효하지 않은 이메일 도메인입니다.\n이메일 주소를 확인하세요."
	msgEmailTaken           = "이미 사용 중인 이메일입니다"
	msgWeakPassword         = "안전한 비밀번호를 사용해 주세요"
	msgPasswordMismatch     = "비밀번호가 일치하지 않습니다"
	msgSignupDone           = "확인 이메일을 발송했습니다."
	msgResendDone           = "인증되지 않은 이메일이라면 확인 이메일을 다시 발송했습니다."
	msgEmailRequired        = "이메일을 입력해주세요."
	msgUserNotFound         = "존재하지 않는 사용자입니다."
	msgResetMailed          = "비밀번호 재설정 이메일을 발송했습니다."
	msgInvalidUID           = "유효하지 않는 uid값"
	msgInvalidToken         = "유효하지 않거나 만료된 토큰입니다"
	msgTokenBlacklisted     = "블랙리스트에 추가된 토큰입니다"
	msgRefreshMissing       = "Refresh token was not provided in request data."
	msgLoggedOut            = "Successfully logged out."
	msgPasswordSaved        = "새 비밀번호가 저장되었습니다."
	msgExternalTokenMissing = "ID token값을 전달해주세요."
	msgExternalTokenInvalid = "토큰이 유효하지 않습니다."
	msgExternalUnverified   = "이메일이 인증되지 않았습니다."
	msgTokenMissing         = "Token is missing"
	msgCertificateInvalid   = "Invalid token or user not found"
	msgInternal             = "internal server error"
)

var emailConfirmPage = template.Must(template.New("email_confirm").Parse(`<!DOCTYPE html>
<html lang="ko">
<head>
<meta charset="utf-8">
<title>이메일 인증</title>
</head>
<body>
<h1>이메일 인증이 완료되었습니다.</h1>
<p>이미 인증된 링크이거나 만료된 링크라면 로그인 후 인증 메일을 다시 요청해 주세요.</p>
<p><a href="{{.}}">아워 저니로 돌아가기</a></p>
</body>
</html>
`))

type HandlerConfig struct {
	ConfirmRedirectURL string
	FrontendBaseURL    string
}

type Handler struct {
	service   *Service
	tokens    *TokenIssuer
	verifier  *EmailVerifier
	resetter  *PasswordResetter
	social    *SocialLogin
	telemetry Telemetry
	cfg       HandlerConfig
}

func NewHandler(service *Service, tokens *TokenIssuer, verifier *EmailVerifier, resetter *PasswordResetter, social *SocialLogin, telemetry Telemetry, cfg HandlerConfig) *Handler {
	if cfg.ConfirmRedirectURL == "" {
		cfg.ConfirmRedirectURL = "/email-confirm"
	}
	return &Handler{
		service:   service,
		tokens:    tokens,
		verifier:  verifier,
		resetter:  resetter,
		social:    social,
		telemetry: telemetry,
		cfg:       cfg,
	}
}

// Routes registers every auth endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux, loginLimit func(http.Handler) http.Handler) {
	if loginLimit == nil {
		loginLimit = func(next http.Handler) http.Handler { return next }
	}

	mux.Handle("POST /login", loginLimit(http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /logout", h.Logout)
	mux.Handle("POST /signup", loginLimit(http.HandlerFunc(h.Signup)))
	mux.Handle("POST /signup/resend-email", loginLimit(http.HandlerFunc(h.ResendEmail)))
	mux.HandleFunc("GET /account-confirm-email/{key}/{$}", h.ConfirmEmail)
	mux.HandleFunc("GET /email-confirm", h.EmailConfirmPage)
	mux.HandleFunc("POST /google/callback", h.GoogleCallback)
	mux.HandleFunc("GET /certificate", h.Certificate)
	mux.Handle("GET /user", Middleware(h.tokens, http.HandlerFunc(h.UserDetails)))
	mux.HandleFunc("POST /token/refresh", h.Refresh)
	mux.HandleFunc("POST /token/verify", h.Verify)
	mux.Handle("POST /password/reset/request", loginLimit(http.HandlerFunc(h.RequestPasswordReset)))
	mux.HandleFunc("POST /password/reset/confirm/{uid}/{token}", h.ConfirmPasswordReset)
	mux.Handle("POST /password/change", Middleware(h.tokens, http.HandlerFunc(h.ChangePassword)))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email     string `json:"email"`
	Password1 string `json:"password1"`
	Password2 string `json:"password2"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type googleRequest struct {
	IDToken string `json:"id_token"`
}

type newPasswordRequest struct {
	NewPassword1 string `json:"new_password1"`
	NewPassword2 string `json:"new_password2"`
}

type userResponse struct {
	PK        int64  `json:"pk"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var lockedErr ErrLoginLocked
		switch {
		case errors.Is(err, ErrCredentialsNeeded):
			writeErrorList(w, http.StatusBadRequest, msgCredentialsNeeded)
		case errors.Is(err, ErrInvalidCredentials):
			writeErrorList(w, http.StatusBadRequest, msgInvalidCredentials)
		case errors.Is(err, ErrEmailNotVerified):
			writeErrorList(w, http.StatusForbidden, msgEmailNotVerified)
		case errors.As(err, &lockedErr):
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeErrorList(w, http.StatusTooManyRequests, msgLoginLocked)
		default:
			h.internalError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Refresh = strings.TrimSpace(body.Refresh)
	if body.Refresh == "" {
		writeError(w, http.StatusBadRequest, msgRefreshMissing)
		return
	}

	err := h.tokens.VerifyRefresh(r.Context(), body.Refresh)
	if err == nil {
		err = h.tokens.Revoke(r.Context(), body.Refresh)
	}
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": msgLoggedOut})
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	_, err := h.service.Register(r.Context(), RegisterInput{
		Email:     body.Email,
		Password1: body.Password1,
		Password2: body.Password2,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidDomain):
			writeError(w, http.StatusBadRequest, msgInvalidDomain)
		case errors.Is(err, ErrEmailTaken):
			writeError(w, http.StatusBadRequest, msgEmailTaken)
		case errors.Is(err, ErrWeakPassword):
			writeError(w, http.StatusBadRequest, msgWeakPassword)
		case errors.Is(err, ErrPasswordMismatch):
			writeError(w, http.StatusBadRequest, msgPasswordMismatch)
		default:
			h.internalError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"detail": msgSignupDone})
}

func (h *Handler) ResendEmail(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.verifier.Resend(r.Context(), body.Email); err != nil {
		if errors.Is(err, ErrEmailRequired) {
			writeError(w, http.StatusBadRequest, msgEmailRequired)
			return
		}
		h.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": msgResendDone})
}

// ConfirmEmail always lands on the same page so the outcome of a key is not revealed.
func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.verifier.Confirm(r.Context(), r.PathValue("key")); err != nil && CategoryOf(err) == CategoryInternal {
		h.capture(err)
	}

	http.Redirect(w, r, h.cfg.ConfirmRedirectURL, http.StatusFound)
}

func (h *Handler) EmailConfirmPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = emailConfirmPage.Execute(w, h.cfg.FrontendBaseURL+"/")
}

func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	var body googleRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.social.Login(r.Context(), body.IDToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrExternalTokenMissing):
			writeError(w, http.StatusBadRequest, msgExternalTokenMissing)
		case errors.Is(err, ErrExternalEmailUnverified):
			writeError(w, http.StatusBadRequest, msgExternalUnverified)
		case errors.Is(err, ErrInvalidExternalToken):
			writeError(w, http.StatusBadRequest, msgExternalTokenInvalid)
		default:
			h.internalError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Certificate(w http.ResponseWriter, r *http.Request) {
	tokenStr, err := bearerToken(r)
	if err != nil {
		writeCertificateError(w, msgTokenMissing)
		return
	}

	cert, err := h.service.Certificate(r.Context(), tokenStr)
	if err != nil {
		if CategoryOf(err) == CategoryToken {
			writeCertificateError(w, msgCertificateInvalid)
			return
		}
		h.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cert)
}

func (h *Handler) UserDetails(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
		return
	}

	user, err := h.service.UserDetails(r.Context(), claims.UserID)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		PK:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Refresh = strings.TrimSpace(body.Refresh)
	if body.Refresh == "" {
		writeError(w, http.StatusBadRequest, msgRefreshMissing)
		return
	}

	access, refresh, err := h.tokens.Refresh(r.Context(), body.Refresh)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "token 값이 필요합니다.")
		return
	}
	if err := h.tokens.VerifyToken(r.Context(), body.Token); err != nil {
		h.writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.resetter.RequestReset(r.Context(), body.Email); err != nil {
		switch {
		case errors.Is(err, ErrEmailRequired):
			writeError(w, http.StatusBadRequest, msgEmailRequired)
		case errors.Is(err, ErrUserNotFound):
			writeError(w, http.StatusBadRequest, msgUserNotFound)
		default:
			h.internalError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": msgResetMailed})
}

func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body newPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.resetter.ConfirmReset(r.Context(), r.PathValue("uid"), r.PathValue("token"), body.NewPassword1, body.NewPassword2)
	if err != nil {
		h.writePasswordError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": msgPasswordSaved})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
		return
	}

	var body newPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.resetter.ChangePassword(r.Context(), claims.UserID, body.NewPassword1, body.NewPassword2); err != nil {
		h.writePasswordError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": msgPasswordSaved})
}

func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenBlacklisted):
		writeError(w, http.StatusUnauthorized, msgTokenBlacklisted)
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
	default:
		h.internalError(w, err)
	}
}

func (h *Handler) writePasswordError(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	switch {
	case errors.Is(err, ErrInvalidUID):
		writeErrorList(w, http.StatusBadRequest, msgInvalidUID)
	case errors.Is(err, ErrInvalidResetToken):
		writeErrorList(w, http.StatusBadRequest, msgInvalidToken)
	case errors.As(err, &validationErr):
		writeErrorList(w, http.StatusBadRequest, validationErr.Problems...)
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
	default:
		h.internalError(w, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.capture(err)
	writeError(w, http.StatusInternalServerError, msgInternal)
}

func (h *Handler) capture(err error) {
	if h.telemetry != nil {
		h.telemetry.CaptureException(err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorList(w http.ResponseWriter, status int, messages ...string) {
	writeJSON(w, status, map[string][]string{"error": messages})
}

func writeCertificateError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error":          message,
		"authentication": false,
		"authorization":  "",
	})
}

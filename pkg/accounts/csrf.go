package accounts

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
)

const (
	CSRFCookie = "csrftoken"
	CSRFHeader = "X-CSRFToken"
)

var ErrCSRF = errors.New("csrf token missing or incorrect")

// EnsureCSRFToken returns the request's CSRF cookie value, issuing a new cookie when there is none.
// The cookie is readable by scripts so the page can echo it back in CSRFHeader.
func EnsureCSRFToken(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if c, err := r.Cookie(CSRFCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    token,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// CheckCSRF compares the CSRF cookie with the header copy.
func CheckCSRF(r *http.Request) error {
	c, err := r.Cookie(CSRFCookie)
	if err != nil || c.Value == "" {
		return ErrCSRF
	}
	header := r.Header.Get(CSRFHeader)
	if header == "" || !hmac.Equal([]byte(header), []byte(c.Value)) {
		return ErrCSRF
	}
	return nil
}

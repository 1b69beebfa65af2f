package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyTodoistHMAC checks the X-Todoist-Hmac-SHA256 header: the base64 of
// an HMAC-SHA256 over the raw body, keyed with the user's client secret.
func verifyTodoistHMAC(secret, signature string, body []byte) *authError {
	if strings.TrimSpace(signature) == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.TrimSpace(signature)), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

// checkAdminToken compares the Authorization bearer against the configured
// admin token in constant time.
func checkAdminToken(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{status: 403, code: "forbidden", message: "admin api disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(token), []byte(adminToken)) {
		return &authError{status: 403, code: "forbidden", message: "invalid admin token"}
	}
	return nil
}

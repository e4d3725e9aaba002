package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// adminTokenTTL bounds how long an issued admin session token is valid.
const adminTokenTTL = 12 * time.Hour

// HashAdminPassword bcrypt-hashes an operator password for storage in
// HubConfig.AdminPasswordHash. Grounded on backend/auth.HashPassword.
func HashAdminPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

// checkAdminPassword compares a bcrypt hash with a plain password.
func checkAdminPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// generateAdminToken issues a lightweight HMAC-signed session token,
// format b64(user)|expUnix|sig. Grounded on backend/auth.GenerateJWT,
// narrowed to a single admin identity rather than email+role.
func generateAdminToken(user, secret string) string {
	exp := time.Now().Add(adminTokenTTL).Unix()
	parts := []string{
		base64.RawStdEncoding.EncodeToString([]byte(user)),
		fmt.Sprintf("%d", exp),
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "|")))
	sig := base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
	parts = append(parts, sig)
	return strings.Join(parts, "|")
}

// parseAdminToken validates signature and expiry, returning the admin
// user the token was issued for.
func parseAdminToken(tok, secret string) (string, error) {
	parts := strings.Split(tok, "|")
	if len(parts) != 3 {
		return "", errors.New("hub: malformed admin token")
	}
	userBytes, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	var expUnix int64
	if _, err := fmt.Sscanf(parts[1], "%d", &expUnix); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts[:2], "|")))
	expected := base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", errors.New("hub: admin token signature mismatch")
	}
	if time.Now().After(time.Unix(expUnix, 0)) {
		return "", errors.New("hub: admin token expired")
	}
	return string(userBytes), nil
}

package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// HashIdentity is the salted client fingerprint used for short dedupe windows.
func HashIdentity(salt, ip, userAgent string) string {
	sum := sha256.Sum256([]byte(salt + "|" + ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}

// SignHMAC returns the raw HMAC-SHA256 of payload.
func SignHMAC(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func SignHMACHex(secret string, payload []byte) string {
	return hex.EncodeToString(SignHMAC(secret, payload))
}

// VerifyHMACHex compares in constant time.
func VerifyHMACHex(secret string, payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || secret == "" {
		return false
	}
	return hmac.Equal(got, SignHMAC(secret, payload))
}

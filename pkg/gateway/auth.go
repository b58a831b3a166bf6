package gateway

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType selects how requests to the bridge are signed.
type AuthType string

const (
	AuthTypeHMAC AuthType = "hmac"
	AuthTypeJWT  AuthType = "jwt"
)

// Authenticator signs one outgoing request.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
}

// HMACAuthenticator signs timestamp+method+path+body with a shared secret.
type HMACAuthenticator struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

func NewHMACAuthenticator(apiKey, apiSecret string) *HMACAuthenticator {
	return &HMACAuthenticator{apiKey: apiKey, apiSecret: apiSecret, now: time.Now}
}

func (h *HMACAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	timestamp := strconv.FormatInt(h.now().Unix(), 10)
	req.Header.Set("X-API-KEY", h.apiKey)
	req.Header.Set("X-API-TIMESTAMP", timestamp)
	req.Header.Set("X-API-SIGN", Sign(h.apiSecret, timestamp+method+path+body))
	return nil
}

// Sign is the base64 HMAC-SHA256 of message.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// JWTAuthenticator sends a short-lived ES256 bearer token per request.
type JWTAuthenticator struct {
	keyID      string
	privateKey *ecdsa.PrivateKey
	now        func() time.Time
}

func NewJWTAuthenticator(keyID, privateKeyPEM string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{keyID: keyID, privateKey: privateKey, now: time.Now}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, _ string) error {
	token, err := j.token(method, req.URL.Host, path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) token(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := jwt.MapClaims{
		"sub":   j.keyID,
		"iss":   "calspread",
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.keyID

	signed, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewAuthenticator builds the authenticator named by kind.
func NewAuthenticator(kind AuthType, apiKey, apiSecret string) (Authenticator, error) {
	switch kind {
	case AuthTypeJWT:
		return NewJWTAuthenticator(apiKey, apiSecret)
	case AuthTypeHMAC, "":
		return NewHMACAuthenticator(apiKey, apiSecret), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", kind)
	}
}

package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signatureHeader = "Authorization"
	signatureTTL    = 5 * time.Minute
)

var ErrBadSignature = errors.New("notify: bad webhook signature")

// WebhookSink POSTs events as JSON. Each request carries an HS256 token
// whose body_sha256 claim binds it to the payload.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

func NewWebhookSink(url string, secret []byte, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, secret: secret, client: client, now: time.Now}
}

func (s *WebhookSink) Notify(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	token, err := s.sign(e, body)
	if err != nil {
		return fmt.Errorf("notify: sign webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Court-Event", string(e.Type))
	req.Header.Set(signatureHeader, "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook %s: unexpected status %d", e.Type, resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) sign(e Event, body []byte) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"jti":         e.ID,
		"sub":         e.CaseID,
		"typ":         string(e.Type),
		"body_sha256": bodyDigest(body),
		"iat":         now.Unix(),
		"exp":         now.Add(signatureTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyWebhook checks a received request's token against its body. Webhook
// receivers written in Go can call it directly.
func VerifyWebhook(secret []byte, header string, body []byte) error {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ErrBadSignature
	}
	token, err := jwt.Parse(header[len(prefix):], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ErrBadSignature
	}
	if digest, _ := claims["body_sha256"].(string); digest != bodyDigest(body) {
		return fmt.Errorf("%w: body digest mismatch", ErrBadSignature)
	}
	return nil
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

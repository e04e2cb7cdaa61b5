package branchpad

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/branchpad/branchpad/pkg/models"
)

const deviceTokenTTL = 30 * 24 * time.Hour

// DeviceClaims are the JWT claims of a device token. A token binds one device
// of one user in one workspace; every sync connection and REST call presents
// one as a bearer token.
type DeviceClaims struct {
	DeviceID    string `json:"did"`
	WorkspaceID string `json:"wid"`
	jwt.RegisteredClaims
}

// Authenticator mints and verifies device tokens with HMAC-SHA256.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// MintDeviceToken issues a signed token for the device.
func (a *Authenticator) MintDeviceToken(device *models.Device) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		DeviceID:    device.ID.String(),
		WorkspaceID: device.WorkspaceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   device.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(deviceTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a device token.
func (a *Authenticator) VerifyToken(tokenString string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify device token: %w", err)
	}
	return claims, nil
}

// Identity is the authenticated caller of a request or sync connection.
type Identity struct {
	User   *models.User
	Device *models.Device
}

// authenticate resolves the bearer token of an HTTP request into an Identity
// and records device liveness.
func (a *App) authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, reject(CodeUnauthorized, "missing bearer token")
	}
	claims, err := a.auth.VerifyToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, reject(CodeUnauthorized, "invalid device token")
	}

	deviceID, err := models.ParseDeviceID(claims.DeviceID)
	if err != nil {
		return nil, reject(CodeUnauthorized, "invalid device token")
	}
	device, err := a.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		return nil, reject(CodeUnauthorized, "unknown device")
	}

	user, err := a.store.GetUser(ctx, device.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, reject(CodeUnauthorized, "unknown user")
	}

	if err := a.store.TouchDevice(ctx, device.ID); err != nil {
		a.log.Warn().Err(err).Str("device_id", device.ID.String()).Msg("record device liveness")
	}
	return &Identity{User: user, Device: device}, nil
}

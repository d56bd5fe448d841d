package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/security"
)

type contextKey string

const (
	// ClaimsContextKey is the context key for admin JWT claims.
	ClaimsContextKey contextKey = "claims"
	// DeviceContextKey is the context key for the authenticated device.
	DeviceContextKey contextKey = "device"
)

// DeviceLookup resolves a device by UUID for bearer-key verification.
// Implemented by repository.DeviceRepository; kept as a narrow
// interface so middleware doesn't depend on the whole repository API.
type DeviceLookup interface {
	Get(ctx context.Context, uuid string) (*domain.Device, error)
}

// AdminAuth validates an admin bearer JWT and stores its claims on the
// request context. Devices never hit routes wrapped with this.
func AdminAuth(jwtManager *security.JWTManager) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "admin-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="rolloutd"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jwtManager.Validate(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				logger.Debug("admin token rejected", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceAuth validates a device's bearer API key against the bcrypt
// hash stored on its row. deviceUUID extracts the claimed device UUID
// from the request (usually a path parameter).
func DeviceAuth(devices DeviceLookup, deviceUUID func(*http.Request) string) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "device-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(auth, "Bearer ")
			if err := domain.ValidateDeviceAPIKeyFormat(key); err != nil {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}

			uuid := deviceUUID(r)
			if uuid == "" {
				http.Error(w, "device uuid required", http.StatusBadRequest)
				return
			}

			device, err := devices.Get(r.Context(), uuid)
			if err != nil {
				logger.Debug("unknown device", "uuid", uuid, "error", err)
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(device.APIKeyHash), []byte(key)); err != nil {
				logger.Debug("device key mismatch", "uuid", uuid)
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			if !device.IsActive {
				http.Error(w, "device revoked", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), DeviceContextKey, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves admin JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return claims, ok
}

// DeviceFromContext retrieves the authenticated device from the request context.
func DeviceFromContext(ctx context.Context) (*domain.Device, bool) {
	device, ok := ctx.Value(DeviceContextKey).(*domain.Device)
	return device, ok
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/ingest"
	"github.com/crowdpm/device-core/internal/pkg/application/pairing"
	"github.com/crowdpm/device-core/internal/pkg/application/registry"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
)

// ErrorResponse is the stable machine-readable error envelope of
// spec.md §7: every handler failure writes one of these, branch-stable
// on Error, never on Message.
type ErrorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message,omitempty"`
	PollInterval int   `json:"poll_interval,omitempty"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}

func writeSlowDown(w http.ResponseWriter, pollInterval int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "slow_down", PollInterval: pollInterval})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorStatus maps the sentinel errors of spec.md §7's taxonomy to their
// HTTP status and wire code; unrecognized errors fall back to
// internal_error/500.
func errorStatus(err error) (int, string) {
	switch err {
	case pairing.ErrInvalidRequest:
		return http.StatusBadRequest, "invalid_request"
	case pairing.ErrRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case pairing.ErrAuthorizationPending:
		return http.StatusBadRequest, "authorization_pending"
	case pairing.ErrExpiredToken:
		return http.StatusBadRequest, "expired_token"
	case pairing.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case pairing.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case registry.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case registry.ErrDuplicateKey:
		return http.StatusForbidden, "forbidden"
	case tokens.ErrInvalidToken:
		return http.StatusUnauthorized, "invalid_token"
	case tokens.ErrExpiredToken:
		return http.StatusBadRequest, "expired_token"
	case dpop.ErrInvalidProof, dpop.ErrInvalidSignature:
		return http.StatusUnauthorized, "invalid_proof"
	case dpop.ErrInvalidProofBinding:
		return http.StatusUnauthorized, "invalid_proof_binding"
	case dpop.ErrInvalidProofTarget:
		return http.StatusUnauthorized, "invalid_proof_target"
	case dpop.ErrStaleProof:
		return http.StatusUnauthorized, "stale_proof"
	case dpop.ErrReplay:
		return http.StatusUnauthorized, "replay"
	case dpop.ErrInvalidAth:
		return http.StatusUnauthorized, "invalid_ath"
	case ingest.ErrUnauthorized:
		return http.StatusUnauthorized, "invalid_token"
	case ingest.ErrDeviceForbidden:
		return http.StatusForbidden, "device_forbidden"
	case ingest.ErrInvalidPayload:
		return http.StatusBadRequest, "invalid_payload"
	case ingest.ErrDeviceMismatch:
		return http.StatusBadRequest, "device_mismatch"
	case ingest.ErrStorageError:
		return http.StatusInternalServerError, "storage_error"
	case ingest.ErrInternal:
		return http.StatusInternalServerError, "internal_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// startRequestBody is the decoded body of POST /device/start.
type startRequestBody struct {
	PubKe   string `json:"pub_ke"`
	Model   string `json:"model"`
	Version string `json:"version"`
	Nonce   string `json:"nonce,omitempty"`
}

// tokenRequestBody is the decoded body of POST /device/token.
type tokenRequestBody struct {
	DeviceCode string `json:"device_code"`
}

// registerRequestBody is the decoded body of POST /device/register.
type registerRequestBody struct {
	PubKlJWK jwkBody `json:"jwk_pub_kl"`
}

type jwkBody struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// registerResponseBody is the 200 response of POST /device/register.
type registerResponseBody struct {
	DeviceID string  `json:"device_id"`
	JWKPubKl jwkBody `json:"jwk_pub_kl"`
	IssuedAt string  `json:"issued_at"`
}

// accessTokenRequestBody is the decoded body of POST /device/access-token.
type accessTokenRequestBody struct {
	DeviceID string `json:"device_id"`
	Scope    string `json:"scope,omitempty"`
}

// accessTokenResponseBody is the 200 response of POST /device/access-token.
type accessTokenResponseBody struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	DeviceID    string `json:"device_id"`
}

// ingestResponseBody is the 202 response of POST /ingestGateway.
type ingestResponseBody struct {
	BatchID     string `json:"batch_id"`
	StoragePath string `json:"storage_path"`
	Visibility  string `json:"visibility"`
}

// authorizeRequestBody is the decoded body of POST
// /v1/device-activation/authorize.
type authorizeRequestBody struct {
	UserCode string `json:"user_code"`
}

// patchDeviceRequestBody is the decoded body of the admin PATCH
// /v1/devices/{device_id} endpoint; exactly one action field is honored
// per request.
type patchDeviceRequestBody struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

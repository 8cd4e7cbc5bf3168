package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"

	"github.com/crowdpm/device-core/internal/pkg/application/access"
	"github.com/crowdpm/device-core/internal/pkg/application/ingest"
	"github.com/crowdpm/device-core/internal/pkg/application/lifecycle"
	"github.com/crowdpm/device-core/internal/pkg/application/pairing"
	"github.com/crowdpm/device-core/internal/pkg/application/registry"
	"github.com/crowdpm/device-core/internal/pkg/presentation/api/auth"
	"github.com/crowdpm/device-core/pkg/types"
)

var tracer = otel.Tracer("device-core/api")

// RegisterHandlers wires the HTTP surface of spec.md §6 onto router,
// grounded on the teacher's own RegisterHandlers: a /health route
// outside any auth group, an authenticated route group for the
// human-operator endpoints, and open routes for the device-facing
// pairing/token/ingest surface (those authenticate via Bearer+DPoP
// inline, not via chi middleware, since each has different proof
// semantics per spec.md §4).
func RegisterHandlers(
	log zerolog.Logger,
	router *chi.Mux,
	policies io.Reader,
	coordinator *pairing.Coordinator,
	reg *registry.Registry,
	issuer *access.Issuer,
	gateway *ingest.Gateway,
	notifier lifecycle.Notifier,
	signingKeyLoaded bool,
	buildVersion string,
) *chi.Mux {

	router.Get("/health", NewHealthHandler(log, signingKeyLoaded, buildVersion))

	router.Post("/device/start", startHandler(log, coordinator))
	router.Post("/device/token", tokenHandler(log, coordinator))
	router.Post("/device/register", registerHandler(log, coordinator))
	router.Post("/device/access-token", accessTokenHandler(log, issuer))
	router.Post("/ingestGateway", ingestHandler(log, gateway))

	router.Route("/v1", func(r chi.Router) {
		r.Get("/device-activation", deviceActivationViewHandler(log, coordinator))

		r.Group(func(r chi.Router) {
			authenticator, err := auth.NewAuthenticator(context.Background(), policies)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create api authenticator")
			}
			r.Use(authenticator)

			r.Post("/device-activation/authorize", deviceActivationAuthorizeHandler(log, coordinator))
			r.Get("/events", eventsHandler(log, notifier))

			r.Route("/devices", func(r chi.Router) {
				r.Get("/{id}", getDeviceHandler(log, reg))
				r.Patch("/{id}", patchDeviceHandler(log, reg))
			})
		})
	})

	return router
}

func NewHealthHandler(log zerolog.Logger, signingKeyLoaded bool, buildVersion string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Build-Version", buildVersion)
		if !signingKeyLoaded {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func dpopHeader(r *http.Request) string {
	return r.Header.Get("DPoP")
}

func bearerFromHeader(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func startHandler(log zerolog.Logger, coordinator *pairing.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-start")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}

		var req startRequestBody
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to unmarshal body")
			return
		}

		result, err := coordinator.Start(ctx, pairing.StartRequest{
			PubKe:        req.PubKe,
			Model:        req.Model,
			Version:      req.Version,
			Nonce:        req.Nonce,
			RequesterIP:  clientIP(r),
			RequesterASN: r.Header.Get("X-Client-Asn"),
		})
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("device start failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func tokenHandler(log zerolog.Logger, coordinator *pairing.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-token")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}

		var req tokenRequestBody
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to unmarshal body")
			return
		}

		result, err := coordinator.Poll(ctx, req.DeviceCode, dpopHeader(r), requestURL(r))
		if err != nil {
			if se, ok := err.(*pairing.SlowDownError); ok {
				writeSlowDown(w, se.PollInterval)
				return
			}
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("device token poll failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func registerHandler(log zerolog.Logger, coordinator *pairing.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-register")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		registrationToken := bearerFromHeader(r)
		if registrationToken == "" {
			writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer registration token")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}

		var req registerRequestBody
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to unmarshal body")
			return
		}

		pubKlJWK := types.JWK{Kty: req.PubKlJWK.Kty, Crv: req.PubKlJWK.Crv, X: req.PubKlJWK.X}

		result, err := coordinator.Redeem(ctx, registrationToken, dpopHeader(r), requestURL(r), pubKlJWK)
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("device register failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, registerResponseBody{
			DeviceID: result.DeviceID,
			JWKPubKl: req.PubKlJWK,
			IssuedAt: result.IssuedAt.Format(time.RFC3339Nano),
		})
	}
}

func accessTokenHandler(log zerolog.Logger, issuer *access.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-access-token")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}

		var req accessTokenRequestBody
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to unmarshal body")
			return
		}

		minted, err := issuer.IssueAccessToken(ctx, access.Request{
			DeviceID:   req.DeviceID,
			Scope:      req.Scope,
			DPoPHeader: dpopHeader(r),
			RequestURL: requestURL(r),
		})
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("access token issuance failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, accessTokenResponseBody{
			TokenType:   "DPoP",
			AccessToken: minted.Token,
			ExpiresIn:   minted.ExpiresIn,
			DeviceID:    req.DeviceID,
		})
	}
}

func ingestHandler(log zerolog.Logger, gateway *ingest.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "ingest-gateway")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "unable to read body")
			return
		}

		result, err := gateway.Ingest(ctx, ingest.Request{
			AuthorizationHeader: r.Header.Get("Authorization"),
			DPoPHeader:          dpopHeader(r),
			RequestURL:          requestURL(r),
			RawBody:             body,
			RequestedVisibility: r.URL.Query().Get("visibility"),
		})
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("ingest failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, ingestResponseBody{
			BatchID:     result.BatchID,
			StoragePath: result.StoragePath,
			Visibility:  result.Visibility,
		})
	}
}

func deviceActivationViewHandler(log zerolog.Logger, coordinator *pairing.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-activation-view")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		userCode := r.URL.Query().Get("user_code")

		view, err := coordinator.GetByUserCode(ctx, userCode)
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("device activation lookup failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, view)
	}
}

func deviceActivationAuthorizeHandler(log zerolog.Logger, coordinator *pairing.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-activation-authorize")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		sess, ok := auth.GetOperatorSessionFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusForbidden, "forbidden", "no authorized operator session")
			return
		}
		if time.Since(sess.MFAVerifiedAt) > 300*time.Second {
			writeError(w, http.StatusForbidden, "forbidden", "mfa verification too old")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}

		var req authorizeRequestBody
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to unmarshal body")
			return
		}

		view, err := coordinator.Approve(ctx, req.UserCode, sess.AccID)
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("device activation authorize failed")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, view)
	}
}

func getDeviceHandler(log zerolog.Logger, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "id")

		device, err := reg.Get(ctx, deviceID)
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("device not found")
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

// patchDeviceHandler implements the admin revoke/suspend/resume surface
// of SPEC_FULL §12, modeled on the teacher's PATCH /api/v0/devices/{id}
// partial-update handler.
func patchDeviceHandler(log zerolog.Logger, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "patch-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "id")

		sess, ok := auth.GetOperatorSessionFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusForbidden, "forbidden", "no authorized operator session")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}

		var req patchDeviceRequestBody
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to unmarshal body")
			return
		}

		switch req.Action {
		case "revoke":
			err = reg.Revoke(ctx, deviceID, sess.AccID, req.Reason)
		case "suspend":
			err = reg.Suspend(ctx, deviceID, req.Reason)
		case "resume":
			err = reg.Resume(ctx, deviceID)
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown action")
			return
		}
		if err != nil {
			status, code := errorStatus(err)
			requestLogger.Error().Err(err).Msg("patch device failed")
			writeError(w, status, code, err.Error())
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// eventsHandler serves registry lifecycle events (device paired,
// suspended, revoked) as an SSE stream for SPEC_FULL §12's human-facing
// UI, grounded on the teacher's sseHandler: same event-stream headers
// and one `data: <json>\n\n` frame per event, but pull-based off
// Notifier.GetEvents rather than the teacher's live per-client channel,
// since lifecycle events here are recorded for query, not broadcast to
// a registered client pool.
func eventsHandler(log zerolog.Logger, notifier lifecycle.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-events")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		onlyActive := r.URL.Query().Get("active") != "false"

		events, err := notifier.GetEvents(ctx, onlyActive)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch lifecycle events")
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		flusher, canFlush := w.(http.Flusher)

		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				requestLogger.Error().Err(err).Msg("unable to marshal lifecycle event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

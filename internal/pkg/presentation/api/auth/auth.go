// Package auth is the human-session authorizer guarding the
// device-activation endpoints: an OPA policy evaluates whether the
// calling operator may approve a pairing session, including the
// MFA-freshness check of spec.md's Open Question #1 (approve requires
// mfa_verified_at within 300s). Adapted from the teacher's
// api/auth/auth.go, which evaluates the same kind of bundle for
// tenant-scoped admin access; the policy input document gains
// mfa_verified_at and the output binding no longer carries tenants,
// since this surface authorizes one operator's session, not a client's
// reach across tenants.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

type sessionContextKey struct {
	name string
}

var operatorSessionCtxKey = &sessionContextKey{"operator-session"}

var tracer = otel.Tracer("device-core/authz")

// OperatorSession is what the policy decision yields: the approving
// account identity and the freshness of its MFA claim, threaded through
// the request context for the handler to pass to the coordinator.
type OperatorSession struct {
	AccID         string
	MFAVerifiedAt time.Time
}

// SessionHeader carries the human-session token the front door already
// authenticated; this package only authorizes what that session may do,
// it does not itself authenticate the operator.
const SessionHeader = "X-Operator-Session"

// NewAuthenticator builds chi middleware from a Rego policy bundle: the
// same one-PrepareForEval-per-process, one-Eval-per-request shape as the
// teacher's NewAuthenticator, with an extended input document.
func NewAuthenticator(ctx context.Context, policies io.Reader) (func(http.Handler) http.Handler, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.crowdpm.authz.allow"),
		rego.Module("crowdpm.rego", string(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	logger := logging.GetFromContext(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			_, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			token := r.Header.Get(SessionHeader)
			if token == "" {
				err = errors.New("operator session header missing")
				logger.Info(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			mfaVerifiedAt := int64(0)
			if v := r.Header.Get("X-Mfa-Verified-At"); v != "" {
				mfaVerifiedAt = parseUnixOrZero(v)
			}

			path := strings.Split(r.URL.Path, "/")

			input := map[string]any{
				"method":          r.Method,
				"path":            path[1:],
				"token":           token,
				"mfa_verified_at": mfaVerifiedAt,
				"now":             time.Now().Unix(),
			}

			results, err := query.Eval(r.Context(), rego.EvalInput(input))
			if err != nil {
				logger.Error("opa eval failed", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error("auth failed", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			binding := results[0].Bindings["x"]

			allowed, ok := binding.(bool)
			if ok && !allowed {
				err = errors.New("authorization failed")
				logger.Warn(err.Error())
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			result, ok := binding.(map[string]any)
			if !ok {
				err = errors.New("unexpected result type")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			accID, _ := result["acc_id"].(string)
			if accID == "" {
				err = errors.New("bad response from authz policy engine")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			sess := OperatorSession{AccID: accID, MFAVerifiedAt: time.Unix(mfaVerifiedAt, 0).UTC()}
			r = r.WithContext(context.WithValue(r.Context(), operatorSessionCtxKey, sess))

			next.ServeHTTP(w, r)
		})
	}, nil
}

func parseUnixOrZero(s string) int64 {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0
	}
	return v
}

// GetOperatorSessionFromContext extracts the authorized operator's
// session, if any, from the provided context.
func GetOperatorSessionFromContext(ctx context.Context) (OperatorSession, bool) {
	sess, ok := ctx.Value(operatorSessionCtxKey).(OperatorSession)
	return sess, ok
}

func WithOperatorSession(ctx context.Context, sess OperatorSession) context.Context {
	return context.WithValue(ctx, operatorSessionCtxKey, sess)
}

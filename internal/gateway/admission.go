package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/crosslogic/metering/internal/metering"
	"go.uber.org/zap"
)

// UserIDHeader carries the subscriber being metered.
const UserIDHeader = "X-User-ID"

type decisionContextKey string

const decisionKey decisionContextKey = "admission_decision"

// DenialStatus maps a denial reason to its HTTP status code.
func DenialStatus(reason metering.DenialReason) int {
	switch reason {
	case metering.ReasonInactiveSubscription:
		return http.StatusPaymentRequired
	default:
		return http.StatusTooManyRequests
	}
}

// RequireAdmission is middleware for metered routes. It admits the user named
// by the X-User-ID header and short-circuits denied requests with the denial
// payload. Allowed requests carry the decision in their context.
func RequireAdmission(meter Meter, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if userID == "" {
				writeError(w, http.StatusBadRequest, "missing "+UserIDHeader+" header")
				return
			}

			d := meter.Admit(r.Context(), userID)
			if !d.Allowed {
				logger.Info("metered request rejected",
					zap.String("user_id", userID),
					zap.String("reason", string(d.Reason)),
					zap.String("path", r.URL.Path),
				)
				writeJSON(w, DenialStatus(d.Reason), d.Denial())
				return
			}

			ctx := context.WithValue(r.Context(), decisionKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DecisionFromContext returns the admission decision stored by RequireAdmission.
func DecisionFromContext(ctx context.Context) (metering.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(metering.Decision)
	return d, ok
}

package middleware

import (
	"context"
	"net/http"

	"docsync/internal/auth"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const subjectKey contextKey = "subject_id"

// CredentialVerifier resolves a bearer credential to a subject id
type CredentialVerifier interface {
	VerifyCredential(token string) (string, error)
}

// AuthMiddleware rejects requests without a valid bearer token and puts
// the verified subject into the request context
func AuthMiddleware(verifier CredentialVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := verifier.VerifyCredential(auth.BearerToken(r.Header.Get("Authorization")))
			if err != nil {
				AddSpanError(r.Context(), err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="docsync"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("subject.id", subjectID))
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subjectID)))
		})
	}
}

// WithSubject returns ctx carrying subjectID
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectKey, subjectID)
}

// SubjectFromContext returns the verified subject of the request, if any
func SubjectFromContext(ctx context.Context) (string, bool) {
	subjectID, ok := ctx.Value(subjectKey).(string)
	return subjectID, ok && subjectID != ""
}

// Package auth carries the caller identity resolved by the upstream gateway.
// The service does not authenticate; it trusts X-User-ID / x-user-id.
package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderCompanyID = "X-Company-ID"

	mdUserID    = "x-user-id"
	mdCompanyID = "x-company-id"
)

// UserContext identifies the acting user.
type UserContext struct {
	UserID    string
	CompanyID string
}

type ctxKey struct{}

// WithUserContext stores uc on ctx.
func WithUserContext(ctx context.Context, uc UserContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, uc)
}

// GetUserContext returns the acting user or an Unauthorized error.
func GetUserContext(ctx context.Context) (UserContext, error) {
	uc, ok := ctx.Value(ctxKey{}).(UserContext)
	if !ok || uc.UserID == "" {
		return UserContext{}, errors.New(errors.ErrCodeUnauthorized, "unauthorized: missing user identity")
	}
	return uc, nil
}

// Middleware copies identity headers into the request context. Requests
// without them pass through; handlers that need a user reject them.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID != "" {
			ctx := WithUserContext(r.Context(), UserContext{
				UserID:    userID,
				CompanyID: strings.TrimSpace(r.Header.Get(HeaderCompanyID)),
			})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryServerInterceptor does the same for gRPC metadata.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(mdUserID); len(ids) > 0 && ids[0] != "" {
				uc := UserContext{UserID: ids[0]}
				if cids := md.Get(mdCompanyID); len(cids) > 0 {
					uc.CompanyID = cids[0]
				}
				ctx = WithUserContext(ctx, uc)
			}
		}
		return handler(ctx, req)
	}
}

// OutgoingContext attaches uc as gRPC metadata for client calls.
func OutgoingContext(ctx context.Context, uc UserContext) context.Context {
	pairs := []string{mdUserID, uc.UserID}
	if uc.CompanyID != "" {
		pairs = append(pairs, mdCompanyID, uc.CompanyID)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

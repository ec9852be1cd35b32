// Package http includes shared handlers and middleware.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/assetra/automation/http/api"
)

const (
	// TenantHeader names the request header carrying the tenant scope.
	TenantHeader = "X-Tenant-ID"

	// ActorHeader optionally names the user acting on the request.
	ActorHeader = "X-Actor-ID"
)

var ErrMissingTenant = errors.New("missing " + TenantHeader + " header")

type ctxKeyTenantID struct{}

// WithTenantID returns a copy of ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKeyTenantID{}, tenantID)
}

// TenantID returns the tenant ID stored in ctx, if any.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyTenantID{}).(string)
	return id
}

// TenantHandler requires the tenant header on every request and places
// its value into the request context for next.
func TenantHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			api.JSONError(w, ErrMissingTenant, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}

// ReadAllAndReplaceBody reads all of r.Body and replaces it with a new byte buffer.
func ReadAllAndReplaceBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return b, err
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(b))
	return b, nil
}

// DumpHandler writes the tenant, path and body of each request to output.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadAllAndReplaceBody(r)
		fmt.Fprintf(output, "%s %s tenant=%q\n", r.Method, r.URL.Path, r.Header.Get(TenantHeader))
		output.Write(append(body, '\n'))
		next.ServeHTTP(w, r)
	}
}

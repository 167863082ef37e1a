package middlewares

import (
	"net/http"

	"github.com/marcopiovanello/engine-dispatch/server/config"
)

func ApplyAuthenticationByConfig(next http.Handler) http.Handler {
	handler := next

	if config.Instance().Authentication.RequireAuth {
		handler = Authenticated(handler)
	}

	return handler
}

package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// CORS allows browser-based EHRs and CDS Hooks sandboxes to call the
// service. An empty origins list allows every origin.
func CORS(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, RequestIDHeader},
		ExposeHeaders: []string{
			echo.HeaderOrigin, echo.HeaderAccept, "Content-Location", echo.HeaderLocation,
			echo.HeaderXRequestedWith, RequestIDHeader,
		},
	})
}

// Package middleware holds the echo middleware shared by the payment routes.
package middleware

import "github.com/labstack/echo/v4"

// Placeholder until the account service's session middleware is wired in;
// payment handlers only need a stable user id on the context.
const userID = "demo-user-001"

// AuthMiddleware resolves the requesting user and stores it on the echo
// context under "user_id" for handlers like Pay.
func AuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", userID)
			return next(c)
		}
	}
}

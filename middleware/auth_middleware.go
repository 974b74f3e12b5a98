package middleware

import (
	"net/http"
	"strings"

	"khisima/models"
	"khisima/services"

	"github.com/labstack/echo/v4"
)

// AuthMiddleware 校验 Bearer token（WebSocket 等场景可用 ?token=），并把用户放入上下文
func AuthMiddleware(authService *services.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			var tokenString string
			if authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || parts[0] != "Bearer" {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "invalid authorization header",
					})
				}
				tokenString = parts[1]
			} else {
				tokenString = c.QueryParam("token")
				if tokenString == "" {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "missing authorization token",
					})
				}
				tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
			}

			user, err := authService.UserFromToken(c.Request().Context(), tokenString)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid token",
				})
			}
			c.Set("user", user)
			return next(c)
		}
	}
}

// AdminAuthMiddleware 必须在 AuthMiddleware 之后
func AdminAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get("user").(*models.User)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "unauthorized",
				})
			}
			if !user.IsAdmin() {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "admin only",
				})
			}
			return next(c)
		}
	}
}

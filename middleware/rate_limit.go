package middleware

import (
	"fmt"
	"net/http"
	"time"

	"khisima/limiter"
	"khisima/logger"

	"github.com/labstack/echo/v4"
)

type RateLimitConfig struct {
	Name    string                      // 区分不同接口的计数
	Limit   int                         // 限制次数
	Window  time.Duration               // 时间窗口
	KeyFunc func(c echo.Context) string // 自定义 Key 生成器，默认 IP
}

func NewRateLimitMiddleware(manager *limiter.Manager, config RateLimitConfig, log *logger.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = logger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if manager == nil || config.Limit <= 0 {
				return next(c)
			}
			key := ""
			if config.KeyFunc != nil {
				key = config.KeyFunc(c)
			}
			if key == "" {
				key = c.RealIP()
			}
			// 加上前缀防止 Key 冲突
			redisKey := fmt.Sprintf("limiter:%s:%s", config.Name, key)
			allowed, err := manager.Allow(c.Request().Context(), redisKey, config.Limit, config.Window)
			if err != nil {
				// Redis 故障时放行
				log.Error("rate limit check failed", "name", config.Name, "error", err)
				return next(c)
			}
			if !allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "too many requests",
				})
			}
			return next(c)
		}
	}
}

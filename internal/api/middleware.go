package api

import (
	"encoding/json"

	"github.com/labstack/echo/v4"

	"nexflow-crm/backend/internal/secure"
)

// NoticeHeader carries the user-visible notices produced while serving a
// request, as a JSON array.
const NoticeHeader = "X-Nexflow-Notices"

type noticeJSON struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Notices gives every request its own notifier and copies what it recorded
// into NoticeHeader just before the response is written.
func Notices() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rec := &secure.RecordingNotifier{}
			req := c.Request()
			c.SetRequest(req.WithContext(secure.WithNotifier(req.Context(), rec)))
			c.Response().Before(func() {
				notices := rec.Notices()
				if len(notices) == 0 {
					return
				}
				out := make([]noticeJSON, len(notices))
				for i, n := range notices {
					out[i] = noticeJSON{Level: "error", Message: n.Message}
					if n.Success {
						out[i].Level = "success"
					}
				}
				if b, err := json.Marshal(out); err == nil {
					c.Response().Header().Set(NoticeHeader, string(b))
				}
			})
			return next(c)
		}
	}
}

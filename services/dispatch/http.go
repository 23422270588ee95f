package dispatch

import (
	"net/http"

	"effect-dispatch/pkg/db/pagination"
	"effect-dispatch/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes binds the command surface and the dead letter listing.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	v1 := r.Group("/v1")
	v1.POST("/dispatch", dispatchHandler(svc))
	v1.GET("/dead-letters", deadLettersHandler(svc))
}

func dispatchHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cmd Command
		if err := c.ShouldBindJSON(&cmd); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}

		resp, err := svc.Handle(c.Request.Context(), cmd)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func deadLettersHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var page pagination.Pagination
		if err := c.ShouldBindQuery(&page); err != nil {
			_ = c.Error(errutil.BadRequest("invalid pagination", err))
			return
		}

		resp, err := svc.ListDeadLetters(c.Request.Context(), c.Query("event_id"), page)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

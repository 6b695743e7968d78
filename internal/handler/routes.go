package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-student-changes/internal/middleware"
	"github.com/noah-isme/sma-student-changes/internal/models"
	"github.com/noah-isme/sma-student-changes/pkg/middleware/ratelimit"
)

// RouteOptions carries the cross-cutting middleware for the change routes.
type RouteOptions struct {
	Tokens         middleware.TokenValidator
	RateLimitRPS   float64
	RateLimitBurst int
}

// RegisterStudentChangeRoutes mounts the change request API under group.
// Writes are rate limited per authenticated user.
func RegisterStudentChangeRoutes(group *gin.RouterGroup, h *StudentChangeHandler, opts RouteOptions) {
	staff := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher)
	approvers := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)
	limited := ratelimit.Middleware(opts.RateLimitRPS, opts.RateLimitBurst, actorID)

	changes := group.Group("/changes", middleware.JWT(opts.Tokens))
	changes.GET("", staff, h.List)
	changes.GET("/:id", staff, h.Get)
	changes.GET("/:id/notice", staff, h.Notice)

	changes.POST("", staff, limited, h.Create)
	changes.PATCH("/:id", staff, limited, h.Update)
	changes.POST("/:id/submit", staff, limited, h.Submit)
	changes.POST("/:id/cancel", staff, limited, h.Cancel)
	changes.POST("/:id/review", approvers, limited, h.Review)
	changes.POST("/:id/approve", approvers, limited, h.Approve)
	changes.POST("/:id/reject", approvers, limited, h.Reject)
	changes.POST("/:id/effect", approvers, limited, h.Effect)
}

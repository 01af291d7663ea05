package router

import (
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/controller"
	"github.com/qrelay/qrelay/middleware"
	"github.com/qrelay/qrelay/monitor"
)

func SetApiRouter(router *gin.Engine) {
	router.GET("/health", controller.Health)
	if config.EnablePrometheusMetrics {
		router.GET("/metrics", middleware.AdminAuth(), gin.WrapH(monitor.Handler()))
	}

	v2 := router.Group("/v2")
	v2.POST("/admin/register", controller.AdminRegister)
	v2.POST("/admin/login", controller.AdminLogin)
	v2.POST("/admin/logout", controller.AdminLogout)
	v2.GET("/admin/status", controller.AdminStatus)

	admin := v2.Group("")
	admin.Use(middleware.AdminAuth())
	{
		admin.GET("/accounts", controller.ListAccounts)
		admin.POST("/accounts", controller.CreateAccount)
		admin.PATCH("/accounts/:id", controller.UpdateAccount)
		admin.DELETE("/accounts/:id", controller.DeleteAccount)
		admin.POST("/accounts/:id/refresh", controller.RefreshAccount)
		admin.GET("/accounts/:id/stats", controller.AccountStats)

		admin.POST("/auth/start", controller.StartDeviceAuth)
		admin.POST("/auth/claim/:authId", controller.ClaimDeviceAuth)
		admin.GET("/auth/status/:authId", controller.DeviceAuthStatus)

		admin.GET("/cache/stats", controller.CacheStats)
	}
}

package router

import (
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/controller"
	"github.com/qrelay/qrelay/middleware"
	"github.com/qrelay/qrelay/model"
)

func SetRelayRouter(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.Use(middleware.RelayPanicRecover(), middleware.RelayAuth())
	{
		v1.POST("/messages", middleware.Distribute(), controller.RelayMessages)
		v1.POST("/gemini/messages", middleware.DistributeType(model.ChannelGemini), controller.RelayMessages)
		v1.POST("/messages/count_tokens", controller.CountTokens)
		v1.GET("/usage", controller.GetUsage)
		v1.GET("/usage/records", controller.GetUsageRecords)
	}
}

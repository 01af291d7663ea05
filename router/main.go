// Package router wires the HTTP surface onto a gin engine.
package router

import (
	"github.com/gin-gonic/gin"
)

func SetRouter(router *gin.Engine) {
	SetRelayRouter(router)
	SetApiRouter(router)
}

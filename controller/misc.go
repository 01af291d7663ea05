package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/promptcache"
)

// Health reports pool readiness. Degraded means the process is up but
// has nothing to relay through.
func Health(c *gin.Context) {
	accounts, err := model.GetAllAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}
	enabled := 0
	for _, account := range accounts {
		if account.Enabled {
			enabled++
		}
	}
	status := "ok"
	if enabled == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"enabled_accounts": enabled,
		"total_accounts":   len(accounts),
	})
}

// CacheStats serves the prompt-cache simulator snapshot.
func CacheStats(c *gin.Context) {
	sim := promptcache.Get()
	if sim == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"stats":   sim.Stats(),
	})
}

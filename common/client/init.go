package client

import (
	"net/http"
	"time"

	"github.com/qrelay/qrelay/common/config"
)

// HTTPClient is the shared client for upstream relay requests. Streaming
// responses can run for minutes, so its timeout follows RELAY_TIMEOUT.
var HTTPClient *http.Client

// ImpatientHTTPClient is for small control-plane calls (token refresh,
// device-flow polling) that should fail fast.
var ImpatientHTTPClient *http.Client

func Init() {
	if config.RelayTimeout == 0 {
		HTTPClient = &http.Client{}
	} else {
		HTTPClient = &http.Client{
			Timeout: time.Duration(config.RelayTimeout) * time.Second,
		}
	}

	ImpatientHTTPClient = &http.Client{
		Timeout: 30 * time.Second,
	}
}

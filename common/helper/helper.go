package helper

import (
	"fmt"

	"github.com/qrelay/qrelay/common/random"
)

// GenRequestID builds a sortable request identifier: wall-clock prefix
// plus a random suffix.
func GenRequestID() string {
	return GetTimeString() + random.GetRandomString(8)
}

func MessageWithRequestId(message string, id string) string {
	return fmt.Sprintf("%s (request id: %s)", message, id)
}

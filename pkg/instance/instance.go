// Package instance names the running process in logs.
package instance

import (
	"os"

	"github.com/angelmondragon/cardkey-backend/pkg/env"
)

// ID returns CARDKEY_INSTANCE_ID, then the platform dyno name, then the host name.
func ID() string {
	if id := env.First("CARDKEY_INSTANCE_ID", "DYNO"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

package license

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "execution-core"

// InstallID returns a stable per-machine identifier, hashed with the app id so the raw machine
// id never leaves the host. Falls back to a random id when the machine id is unavailable.
func InstallID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil || id == "" {
		return uuid.NewString()
	}
	return id
}

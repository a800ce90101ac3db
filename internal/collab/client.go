package collab

import (
	"github.com/synclab/collabd/internal/permissions"
)

// Client is one authenticated end-user session connected to this process.
// The socket itself is owned by the messenger; the engine only carries the
// session identity and its permission context.
type Client struct {
	ID             string
	Accountability *permissions.Accountability
}

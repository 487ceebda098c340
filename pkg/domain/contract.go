package domain

import (
	"context"
)

// Contract is the remote view of a running scan supervisor
type Contract interface {
	// Status reports the serving status of the scan, e.g. "SERVING" while a scan is live
	Status(ctx context.Context) (string, error)
}

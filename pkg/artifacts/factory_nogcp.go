//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSBackend(context.Context, Config) (Backend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}

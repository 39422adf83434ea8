package export

import "context"

// ServiceInterface is the export surface used by workflows and the CLI.
type ServiceInterface interface {
	Export(ctx context.Context, opts Options) (*Result, error)
	Verify(ctx context.Context, path, password string) (*Manifest, error)
}

// Ensure *Service implements the interface at compile time.
var _ ServiceInterface = (*Service)(nil)

package sidekit

import (
	"context"
	"fmt"
	"time"
)

// AnisetteData is the opaque device attestation blob the signing service asks for.
// It comes from an account subsystem this package doesn't implement.
type AnisetteData struct {
	Data []byte
	// Valid is false when the provider knows the data was rejected or has expired.
	Valid   bool
	Fetched time.Time
}

// AnisetteProvider returns fresh anisette data.
type AnisetteProvider interface {
	Fetch(ctx context.Context) (*AnisetteData, error)
}

// AnisetteFunc adapts a function to AnisetteProvider.
type AnisetteFunc func(ctx context.Context) (*AnisetteData, error)

func (f AnisetteFunc) Fetch(ctx context.Context) (*AnisetteData, error) {
	return f(ctx)
}

// fetchAnisette returns nil, nil when there is no provider. Missing or invalid data is ErrInvalidAnisette.
func fetchAnisette(ctx context.Context, p AnisetteProvider) (*AnisetteData, error) {
	if p == nil {
		return nil, nil
	}
	a, err := p.Fetch(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidAnisette, err)
	}
	if a == nil || !a.Valid || len(a.Data) == 0 {
		return nil, fmt.Errorf("%w: provider returned no valid data", ErrInvalidAnisette)
	}
	return a, nil
}

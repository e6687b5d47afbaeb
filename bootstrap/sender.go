package bootstrap

import (
	"context"
	"fmt"

	"github.com/loci-run/loci/conncache"
	"github.com/loci-run/loci/parcel"
)

// Sender delivers an encoded parcel to its destination locality. The barrier
// treats it as an opaque, potentially blocking, thread-safe capability.
type Sender interface {
	Send(ctx context.Context, p *parcel.Parcel) error
}

// CacheSender sends parcels over connections leased from a bounded cache.
type CacheSender struct {
	cache *conncache.Cache
}

func NewCacheSender(cache *conncache.Cache) *CacheSender {
	return &CacheSender{cache: cache}
}

func (s *CacheSender) Send(ctx context.Context, p *parcel.Parcel) error {
	payload, err := parcel.Marshal(p)
	if err != nil {
		return err
	}

	handle, err := s.cache.Acquire(ctx, p.Dest.Endpoint)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	defer s.cache.Release(handle)

	if err := handle.Send(payload); err != nil {
		return fmt.Errorf("send to %s: %w", p.Dest, err)
	}

	return nil
}

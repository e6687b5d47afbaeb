package bootstrap

import (
	"context"
	"sync"

	"github.com/loci-run/loci/parcel"
)

type mockSender struct {
	mut  sync.Mutex
	sent []*parcel.Parcel
	fail map[string]error
}

func newMockSender() *mockSender {
	return &mockSender{
		fail: make(map[string]error),
	}
}

func (s *mockSender) failEndpoint(endpoint string, err error) {
	s.mut.Lock()
	s.fail[endpoint] = err
	s.mut.Unlock()
}

func (s *mockSender) Send(ctx context.Context, p *parcel.Parcel) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if err, ok := s.fail[p.Dest.Endpoint]; ok {
		return err
	}

	s.sent = append(s.sent, p)

	return nil
}

func (s *mockSender) Sent() []*parcel.Parcel {
	s.mut.Lock()
	defer s.mut.Unlock()

	sent := make([]*parcel.Parcel, len(s.sent))
	copy(sent, s.sent)

	return sent
}

func (s *mockSender) SentTo(endpoint string) []*parcel.Parcel {
	s.mut.Lock()
	defer s.mut.Unlock()

	var sent []*parcel.Parcel

	for _, p := range s.sent {
		if p.Dest.Endpoint == endpoint {
			sent = append(sent, p)
		}
	}

	return sent
}

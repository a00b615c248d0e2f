package paper

import (
	"context"
	"strings"
	"sync"

	"github.com/atmx/fill-ledger/internal/model"
)

// QuoteProvider returns the current top of book for a symbol. A nil quote
// with a nil error means no quote is available and the simulator takes its
// deterministic fallback path.
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

// StaticQuotes is an in-memory QuoteProvider.
type StaticQuotes struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewStaticQuotes creates a provider seeded with quotes.
func NewStaticQuotes(quotes ...model.Quote) *StaticQuotes {
	s := &StaticQuotes{quotes: make(map[string]model.Quote)}
	for _, q := range quotes {
		s.Set(q)
	}
	return s
}

// Set stores or replaces the quote for q.Symbol.
func (s *StaticQuotes) Set(q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[strings.ToUpper(q.Symbol)] = q
}

// Delete removes the symbol's quote.
func (s *StaticQuotes) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, strings.ToUpper(symbol))
}

func (s *StaticQuotes) GetQuote(_ context.Context, symbol string) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

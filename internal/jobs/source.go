package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/atmx/fill-ledger/internal/model"
)

// BrokerSource supplies broker position snapshots.
type BrokerSource interface {
	// ListUsers returns every user the broker reports positions for.
	ListUsers(ctx context.Context) ([]string, error)
	// Positions returns the user's snapshot rows.
	Positions(ctx context.Context, userID string) ([]model.BrokerPosition, error)
}

// SnapshotSource serves a fixed set of rows.
type SnapshotSource struct {
	byUser map[string][]model.BrokerPosition
}

// NewSnapshotSource indexes rows by user.
func NewSnapshotSource(rows []model.BrokerPosition) *SnapshotSource {
	s := &SnapshotSource{byUser: make(map[string][]model.BrokerPosition)}
	for _, r := range rows {
		uid := strings.TrimSpace(r.UserID)
		if uid == "" {
			continue
		}
		s.byUser[uid] = append(s.byUser[uid], r)
	}
	return s
}

func (s *SnapshotSource) ListUsers(_ context.Context) ([]string, error) {
	users := make([]string, 0, len(s.byUser))
	for u := range s.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *SnapshotSource) Positions(_ context.Context, userID string) ([]model.BrokerPosition, error) {
	rows := s.byUser[userID]
	out := make([]model.BrokerPosition, len(rows))
	copy(out, rows)
	return out, nil
}

// FileSource reads a JSON array of broker positions from disk on every
// call, so a refreshed export is picked up by the next run.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) load() (*SnapshotSource, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var rows []model.BrokerPosition
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	return NewSnapshotSource(rows), nil
}

func (f *FileSource) ListUsers(ctx context.Context) ([]string, error) {
	s, err := f.load()
	if err != nil {
		return nil, err
	}
	return s.ListUsers(ctx)
}

func (f *FileSource) Positions(ctx context.Context, userID string) ([]model.BrokerPosition, error) {
	s, err := f.load()
	if err != nil {
		return nil, err
	}
	return s.Positions(ctx, userID)
}

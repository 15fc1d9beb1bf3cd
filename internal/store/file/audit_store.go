package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

type auditRecord struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore implements domain.AuditStore as a single JSONL file.
type AuditStore struct {
	c      *Client
	nextID int64
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(c *Client) *AuditStore {
	return &AuditStore{c: c}
}

func (s *AuditStore) file() string { return s.c.path("audit.jsonl") }

// Log appends an audit event.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	path := s.file()
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()

	if s.nextID == 0 {
		entries, err := readAudit(path)
		if err != nil {
			return err
		}
		s.nextID = int64(len(entries)) + 1
	}

	line, err := json.Marshal(auditRecord{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("filestore: encode audit %s: %w", event, err)
	}
	if err := appendLine(path, append(line, '\n')); err != nil {
		return fmt.Errorf("filestore: append audit %s: %w", event, err)
	}
	s.nextID++
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	path := s.file()
	l := s.c.fileLock(path)
	l.Lock()
	entries, err := readAudit(path)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]domain.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, domain.AuditEntry{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	return paginate(out, opts), nil
}

func readAudit(path string) ([]auditRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open audit log: %w", err)
	}
	defer f.Close()

	var out []auditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r auditRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: scan audit log: %w", err)
	}
	return out, nil
}

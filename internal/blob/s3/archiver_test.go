package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type daySource struct {
	orders     []domain.Order
	from, to   time.Time
	queryCount int
}

func (s *daySource) ListBetween(_ context.Context, from, to time.Time) ([]domain.Order, error) {
	s.from, s.to = from, to
	s.queryCount++
	return s.orders, nil
}

func TestArchiveExecutions(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{objects: map[string][]byte{}}
	done := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	src := &daySource{orders: []domain.Order{
		{ID: "a", Scope: "master", Symbol: "BTC", Status: domain.OrderStatusConfirmed, FillPrice: 100, CompletedAt: &done},
		{ID: "b", Scope: "master", Symbol: "ETH", Status: domain.OrderStatusRejected, Error: "halted", CompletedAt: &done},
	}}
	a := NewArchiver(blobs, blobs, src, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	day := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	n, err := a.ArchiveExecutions(ctx, day)
	if err != nil || n != 2 {
		t.Fatalf("archive = %d, %v", n, err)
	}
	if !src.from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) || src.to.Sub(src.from) != 24*time.Hour {
		t.Fatalf("window = %v .. %v", src.from, src.to)
	}

	body, ok := blobs.objects["archive/executions/2026-03-01.jsonl"]
	if !ok {
		t.Fatalf("objects = %v", blobs.objects)
	}
	var lines []execRecord
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var r execRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, r)
	}
	if len(lines) != 2 || lines[0].ID != "a" || lines[1].Error != "halted" {
		t.Fatalf("lines = %+v", lines)
	}

	n, err = a.ArchiveExecutions(ctx, day)
	if err != nil || n != 0 || blobs.puts != 1 || src.queryCount != 1 {
		t.Fatalf("second run = %d, %v (puts %d, queries %d)", n, err, blobs.puts, src.queryCount)
	}
}

package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.err != nil {
		return m.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
		m.types = make(map[string]string)
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

type pagedTrades struct {
	rows  []domain.TradeRecord
	calls int
}

func (p *pagedTrades) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	p.calls++
	var mine []domain.TradeRecord
	for _, r := range p.rows {
		if r.UserID == userID {
			mine = append(mine, r)
		}
	}
	if opts.Offset >= len(mine) {
		return nil, nil
	}
	end := min(opts.Offset+opts.Limit, len(mine))
	return mine[opts.Offset:end], nil
}

type memAudit struct {
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event, userID string, detail map[string]any) error {
	m.entries = append(m.entries, domain.AuditEntry{Event: event, UserID: userID, Detail: detail})
	return nil
}

func (m *memAudit) List(_ context.Context, userID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	return out[opts.Offset:min(opts.Offset+opts.Limit, len(out))], nil
}

func TestArchiveUser(t *testing.T) {
	trades := &pagedTrades{}
	for i := 0; i < pageSize+3; i++ {
		trades.rows = append(trades.rows, domain.TradeRecord{ID: "t", UserID: "u1", Status: domain.TradeOpen})
	}
	trades.rows = append(trades.rows, domain.TradeRecord{ID: "other", UserID: "u2"})
	audit := &memAudit{entries: []domain.AuditEntry{{Event: "wallet_created", UserID: "u1"}}}
	w := &memWriter{}

	a := NewLedgerArchiver(w, trades, audit)
	a.now = func() time.Time { return time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC) }

	res, err := a.ArchiveUser(context.Background(), "u1", time.Time{})
	if err != nil {
		t.Fatalf("ArchiveUser: %v", err)
	}
	if res.Trades != pageSize+3 || res.Audit != 1 {
		t.Fatalf("result = %+v", res)
	}
	if trades.calls != 2 {
		t.Errorf("ListByUser calls = %d, want 2", trades.calls)
	}
	if res.TradesPath != "archive/u1/20250102T150405Z/trades.jsonl" {
		t.Errorf("trades path = %q", res.TradesPath)
	}
	lines := bytes.Count(w.objects[res.TradesPath], []byte("\n"))
	if lines != pageSize+3 {
		t.Errorf("trade lines = %d", lines)
	}
	if w.types[res.AuditPath] != "application/x-ndjson" {
		t.Errorf("content type = %q", w.types[res.AuditPath])
	}
	last := audit.entries[len(audit.entries)-1]
	if last.Event != "ledger_archived" || last.Detail["trades"] != pageSize+3 {
		t.Errorf("audit entry = %+v", last)
	}
}

func TestArchiveUserUploadError(t *testing.T) {
	w := &memWriter{err: errors.New("bucket gone")}
	a := NewLedgerArchiver(w, &pagedTrades{}, &memAudit{})
	_, err := a.ArchiveUser(context.Background(), "u1", time.Now())
	if err == nil || !strings.Contains(err.Error(), "bucket gone") {
		t.Fatalf("err = %v", err)
	}
}

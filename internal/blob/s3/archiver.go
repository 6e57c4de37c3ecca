package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// pageSize is how many ledger rows are read per store query.
const pageSize = 500

// TradeLister is the ledger read path the archiver needs.
type TradeLister interface {
	ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// ArchiveResult describes one ledger export.
type ArchiveResult struct {
	TradesPath string `json:"trades_path"`
	AuditPath  string `json:"audit_path"`
	Trades     int    `json:"trades"`
	Audit      int    `json:"audit_entries"`
}

// LedgerArchiver exports a user's trade ledger and audit trail to object
// storage as JSONL. Rows are copied, never deleted from the primary store.
type LedgerArchiver struct {
	writer domain.BlobWriter
	trades TradeLister
	audit  domain.AuditStore
	now    func() time.Time
}

// NewLedgerArchiver creates a new LedgerArchiver.
func NewLedgerArchiver(writer domain.BlobWriter, trades TradeLister, audit domain.AuditStore) *LedgerArchiver {
	return &LedgerArchiver{
		writer: writer,
		trades: trades,
		audit:  audit,
		now:    time.Now,
	}
}

// ArchiveUser uploads every trade and audit row the user has up to until.
// Both files are written under archive/{user}/{timestamp}/ and the export is
// itself recorded in the audit log.
func (a *LedgerArchiver) ArchiveUser(ctx context.Context, userID string, until time.Time) (ArchiveResult, error) {
	if until.IsZero() {
		until = a.now()
	}
	opts := domain.ListOpts{Until: &until}

	trades, err := collect(ctx, opts, func(ctx context.Context, o domain.ListOpts) ([]domain.TradeRecord, error) {
		return a.trades.ListByUser(ctx, userID, o)
	})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	entries, err := collect(ctx, opts, func(ctx context.Context, o domain.ListOpts) ([]domain.AuditEntry, error) {
		return a.audit.List(ctx, userID, o)
	})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive audit query: %w", err)
	}

	prefix := archivePrefix(userID, a.now())
	res := ArchiveResult{
		TradesPath: prefix + "trades.jsonl",
		AuditPath:  prefix + "audit.jsonl",
		Trades:     len(trades),
		Audit:      len(entries),
	}

	if err := upload(ctx, a.writer, res.TradesPath, trades); err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive trades: %w", err)
	}
	if err := upload(ctx, a.writer, res.AuditPath, entries); err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive audit: %w", err)
	}

	if err := a.audit.Log(ctx, "ledger_archived", userID, map[string]any{
		"trades_path": res.TradesPath,
		"audit_path":  res.AuditPath,
		"trades":      res.Trades,
		"audit":       res.Audit,
		"until":       until.UTC().Format(time.RFC3339),
	}); err != nil {
		return res, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return res, nil
}

// collect pages through a list query until a short page comes back.
func collect[T any](ctx context.Context, opts domain.ListOpts, list func(context.Context, domain.ListOpts) ([]T, error)) ([]T, error) {
	var out []T
	opts.Limit = pageSize
	for {
		page, err := list(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		opts.Offset += len(page)
	}
}

func upload[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return err
	}
	return w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePrefix builds the S3 key prefix for one export.
//
//	archive/u1/20250102T150405Z/
func archivePrefix(userID string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s/", userID, at.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

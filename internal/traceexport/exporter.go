package traceexport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/cargo-custody/internal/platform/objectstore"
	"github.com/animus-labs/cargo-custody/internal/service/history"
)

const contentType = "application/x-ndjson"

// ErrDisabled is returned when no object store is configured.
var ErrDisabled = errors.New("trace export is disabled")

type Result struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
	SHA256  string `json:"sha256"`
}

// Exporter uploads traces to traces/<kind>/<id>/<head-seq>.ndjson. The head
// sequence in the name makes repeated exports of an unchanged entity land on
// the same object.
type Exporter struct {
	store  objectstore.Store
	bucket string
	logger *slog.Logger
}

// NewExporter returns an exporter; a nil store yields one that always fails
// with ErrDisabled.
func NewExporter(store objectstore.Store, bucket string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Exporter{store: store, bucket: bucket, logger: logger}
}

func (e *Exporter) Enabled() bool { return e != nil && e.store != nil }

func ObjectKey(t history.Trace) string {
	return fmt.Sprintf("traces/%s/%s/%d.ndjson", t.Kind, t.ID, t.HeadSeq)
}

func (e *Exporter) Export(ctx context.Context, t history.Trace) (Result, error) {
	if !e.Enabled() {
		return Result{}, ErrDisabled
	}
	var buf bytes.Buffer
	w := NewNDJSON(&buf)
	for rec, err := range t.Records {
		if err != nil {
			return Result{}, err
		}
		if err := w.Write(rec); err != nil {
			return Result{}, fmt.Errorf("encode seq %d: %w", rec.Seq, err)
		}
	}

	sum := sha256.Sum256(buf.Bytes())
	out := Result{
		Bucket:  e.bucket,
		Key:     ObjectKey(t),
		Records: w.Count(),
		Bytes:   int64(buf.Len()),
		SHA256:  hex.EncodeToString(sum[:]),
	}
	if err := e.store.Put(ctx, out.Bucket, out.Key, bytes.NewReader(buf.Bytes()), out.Bytes, contentType); err != nil {
		e.logger.Error("trace export failed", "key", out.Key, "error", err)
		return Result{}, err
	}
	e.logger.Info("trace exported", "key", out.Key, "records", out.Records, "bytes", out.Bytes)
	return out, nil
}

// Package foundryio reads the row source from, and publishes bucketed rows to, Foundry datasets.
package foundryio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/shpitdev/labour-choropleth/pkg/foundry"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
	localio "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/local"
)

// DefaultOutputFilename is the file written into the output dataset transaction.
const DefaultOutputFilename = "bucketed.csv"

// DefaultRetry is the per-call retry budget for Foundry API calls.
var DefaultRetry = fetch.RetryOptions{MaxRetries: 7}

// Dataset is the subset of *foundry.Client used here.
type Dataset interface {
	ReadTableCSV(ctx context.Context, datasetRID, branch string) ([]byte, error)
	CreateTransaction(ctx context.Context, datasetRID, branch string) (string, error)
	FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error)
	UploadFile(ctx context.Context, datasetRID, txnRID, filePath, contentType string, b []byte) error
	CommitTransaction(ctx context.Context, datasetRID, txnRID string) error
}

// Input loads row-source records from a dataset.
type Input struct {
	Client Dataset
	Ref    foundry.DatasetRef
	Retry  fetch.RetryOptions
}

var _ core.InputAdapter[normalize.RawRecord] = Input{}

func (in Input) Load(ctx context.Context) ([]normalize.RawRecord, error) {
	b, err := call(ctx, in.Retry, func(ctx context.Context) ([]byte, error) {
		return in.Client.ReadTableCSV(ctx, in.Ref.RID, in.Ref.Branch)
	})
	if err != nil {
		return nil, fmt.Errorf("read input dataset %s: %w", in.Ref.RID, err)
	}
	rows, err := localio.ReadRawRecordsCSV(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parse input dataset %s: %w", in.Ref.RID, err)
	}
	return rows, nil
}

// Output writes bucketed rows as a CSV file into a SNAPSHOT transaction.
type Output struct {
	Client   Dataset
	Ref      foundry.DatasetRef
	Filename string
	Retry    fetch.RetryOptions

	// OnPublish, when set, receives the transaction used and whether this run committed it.
	OnPublish func(txnRID string, committed bool)
}

var _ core.OutputAdapter[normalize.BucketedRecord] = Output{}

func (o Output) Store(ctx context.Context, rows []normalize.BucketedRecord) error {
	var buf bytes.Buffer
	if err := localio.WriteBucketedCSV(&buf, rows); err != nil {
		return err
	}
	txn, committed, err := UploadDatasetCSV(ctx, o.Client, o.Ref, o.Filename, buf.Bytes(), o.Retry)
	if err != nil {
		return err
	}
	if o.OnPublish != nil {
		o.OnPublish(txn, committed)
	}
	return nil
}

// UploadDatasetCSV uploads csv into a new SNAPSHOT transaction and commits it.
//
// When the branch already has an OPEN transaction (409 OpenTransactionAlreadyExists), the file is
// uploaded into that transaction. It is committed only if an earlier create attempt of this call
// failed in a way that may have opened it server-side; otherwise it is left for its owner. The
// returned bool reports whether this call committed.
func UploadDatasetCSV(ctx context.Context, client Dataset, ref foundry.DatasetRef, filename string, csv []byte, retry fetch.RetryOptions) (string, bool, error) {
	if strings.TrimSpace(filename) == "" {
		filename = DefaultOutputFilename
	}

	owned := true
	maybeCreated := false
	txn, err := call(ctx, retry, func(ctx context.Context) (string, error) {
		rid, err := client.CreateTransaction(ctx, ref.RID, ref.Branch)
		if err != nil && ambiguousCreate(err) {
			maybeCreated = true
		}
		return rid, err
	})
	if err != nil {
		if !foundry.IsOpenTransactionConflict(err) {
			return "", false, fmt.Errorf("create transaction: %w", err)
		}
		// The open transaction is ours when a previous attempt may have reached the server.
		owned = maybeCreated

		type open struct {
			rid string
			ok  bool
		}
		found, err := call(ctx, retry, func(ctx context.Context) (open, error) {
			rid, ok, err := client.FindLatestOpenTransaction(ctx, ref.RID)
			return open{rid, ok}, err
		})
		if err != nil {
			return "", false, fmt.Errorf("find open transaction: %w", err)
		}
		if !found.ok || found.rid == "" {
			return "", false, errors.New("output dataset reports an open transaction but listTransactions returned none")
		}
		txn = found.rid
	}

	if _, err := call(ctx, retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.UploadFile(ctx, ref.RID, txn, filename, "text/csv", csv)
	}); err != nil {
		return "", false, fmt.Errorf("upload %s: %w", filename, err)
	}

	if !owned {
		return txn, false, nil
	}
	if _, err := call(ctx, retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.CommitTransaction(ctx, ref.RID, txn)
	}); err != nil {
		return "", false, fmt.Errorf("commit transaction: %w", err)
	}
	return txn, true, nil
}

// call runs fn under fetch.Retry, marking Foundry 429/5xx and connection resets as transient.
func call[T any](ctx context.Context, retry fetch.RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	if retry == (fetch.RetryOptions{}) {
		retry = DefaultRetry
	}
	return fetch.Retry(ctx, nil, retry, func(ctx context.Context) (T, error) {
		out, err := fn(ctx)
		if err != nil && isTransient(err) {
			return out, &core.TransientError{Err: err}
		}
		return out, err
	})
}

// ambiguousCreate reports whether a failed create may still have opened a transaction.
func ambiguousCreate(err error) bool {
	var he *foundry.HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return errors.Is(err, syscall.ECONNRESET) || fetch.IsTransient(err)
}

func isTransient(err error) bool {
	var he *foundry.HTTPError
	if errors.As(err, &he) {
		return he.Transient()
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

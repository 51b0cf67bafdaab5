package foundryio_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/labour-choropleth/pkg/foundry"
	"github.com/shpitdev/labour-choropleth/pkg/mockfoundry"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
	foundryio "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/foundry"
)

var fastRetry = fetch.RetryOptions{MaxRetries: 3, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}

func newMock(t *testing.T) (*mockfoundry.Server, *foundry.Client) {
	t.Helper()
	srv := mockfoundry.New("", "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := foundry.NewClient(ts.URL+"/api", "token", "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return srv, client
}

func TestInputLoad(t *testing.T) {
	srv, client := newMock(t)
	srv.SetInput("ri.in", []byte("setting,indicator_name,dimension,subgroup,wbincome2024,estimate\nChad,x,y,Rural,Low income,70.1\n"))

	rows, err := foundryio.Input{Client: client, Ref: foundry.DatasetRef{RID: "ri.in"}, Retry: fastRetry}.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Country != "Chad" || rows[0].Estimate != "70.1" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestInputLoad_MissingColumn(t *testing.T) {
	srv, client := newMock(t)
	srv.SetInput("ri.in", []byte("setting\nChad\n"))

	_, err := foundryio.Input{Client: client, Ref: foundry.DatasetRef{RID: "ri.in"}, Retry: fastRetry}.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing required column") {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestOutputStore_CommitsSnapshot(t *testing.T) {
	srv, client := newMock(t)

	var gotTxn string
	var gotCommitted bool
	out := foundryio.Output{
		Client: client,
		Ref:    foundry.DatasetRef{RID: "ri.out"},
		Retry:  fastRetry,
		OnPublish: func(txn string, committed bool) {
			gotTxn, gotCommitted = txn, committed
		},
	}
	err := out.Store(context.Background(), []normalize.BucketedRecord{{DisplayCountry: "Russia", IncomeTertile: 1, LabourTertile: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTxn == "" || !gotCommitted {
		t.Fatalf("expected committed transaction, got txn=%q committed=%v", gotTxn, gotCommitted)
	}

	head, ok := srv.Head("ri.out")
	if !ok {
		t.Fatalf("expected committed head")
	}
	if want := "country,income_tertile,labour_tertile\nRussia,1,1\n"; string(head) != want {
		t.Fatalf("head got=%q want=%q", head, want)
	}
	uploads := srv.Uploads()
	if len(uploads) != 1 || uploads[0].FilePath != foundryio.DefaultOutputFilename {
		t.Fatalf("unexpected uploads: %#v", uploads)
	}
}

func TestUploadDatasetCSV_ReusesOpenTransaction(t *testing.T) {
	srv, client := newMock(t)
	ctx := context.Background()

	open, err := client.CreateTransaction(ctx, "ri.out", "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	txn, committed, err := foundryio.UploadDatasetCSV(ctx, client, foundry.DatasetRef{RID: "ri.out"}, "", []byte("country\n"), fastRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn != open || committed {
		t.Fatalf("got txn=%q committed=%v, want txn=%q committed=false", txn, committed, open)
	}
	if _, ok := srv.Head("ri.out"); ok {
		t.Fatalf("open transaction must not be committed by the uploader")
	}
}

type flakyDataset struct {
	foundryio.Dataset
	failures int
	calls    int
}

func (f *flakyDataset) ReadTableCSV(context.Context, string, string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &foundry.HTTPError{Op: "readTable", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	}
	return []byte("setting,indicator_name,dimension,subgroup,wbincome2024,estimate\n"), nil
}

func TestInputLoad_RetriesTransientFoundryErrors(t *testing.T) {
	ds := &flakyDataset{failures: 2}
	rows, err := foundryio.Input{Client: ds, Ref: foundry.DatasetRef{RID: "ri.in"}, Retry: fastRetry}.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 || ds.calls != 3 {
		t.Fatalf("got rows=%d calls=%d, want rows=0 calls=3", len(rows), ds.calls)
	}

	ds = &flakyDataset{failures: 10}
	_, err = foundryio.Input{Client: ds, Ref: foundry.DatasetRef{RID: "ri.in"}, Retry: fastRetry}.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "status=503") {
		t.Fatalf("expected 503 after retries, got %v", err)
	}
	if ds.calls != 4 {
		t.Fatalf("expected 4 calls, got %d", ds.calls)
	}
}

// txnDataset opens a transaction on the first create; later creates conflict with it.
type txnDataset struct {
	foundryio.Dataset
	firstCreateErr error
	preexisting    string

	open    string
	creates int
	uploads []string
	commits []string
}

func (d *txnDataset) CreateTransaction(context.Context, string, string) (string, error) {
	d.creates++
	if d.open != "" {
		return "", &foundry.HTTPError{Op: "createTransaction", StatusCode: http.StatusConflict, Status: "409 Conflict", ErrorName: "Datasets:OpenTransactionAlreadyExists"}
	}
	d.open = "ri.txn.mine"
	if d.firstCreateErr != nil {
		return "", d.firstCreateErr
	}
	return d.open, nil
}

func (d *txnDataset) FindLatestOpenTransaction(context.Context, string) (string, bool, error) {
	return d.open, d.open != "", nil
}

func (d *txnDataset) UploadFile(_ context.Context, _, txn, _, _ string, _ []byte) error {
	d.uploads = append(d.uploads, txn)
	return nil
}

func (d *txnDataset) CommitTransaction(_ context.Context, _, txn string) error {
	d.commits = append(d.commits, txn)
	d.open = ""
	return nil
}

func TestUploadDatasetCSV_CommitsOwnTransactionAfterAmbiguousCreate(t *testing.T) {
	ds := &txnDataset{firstCreateErr: &foundry.HTTPError{Op: "createTransaction", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}}

	txn, committed, err := foundryio.UploadDatasetCSV(context.Background(), ds, foundry.DatasetRef{RID: "ri.out"}, "", []byte("x\n"), fastRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn != "ri.txn.mine" || !committed {
		t.Fatalf("got txn=%q committed=%v, want txn=ri.txn.mine committed=true", txn, committed)
	}
	if ds.creates != 2 {
		t.Fatalf("creates=%d want 2", ds.creates)
	}
	if len(ds.commits) != 1 || ds.commits[0] != "ri.txn.mine" {
		t.Fatalf("commits=%v want [ri.txn.mine]", ds.commits)
	}
}

func TestUploadDatasetCSV_LeavesForeignOpenTransaction(t *testing.T) {
	ds := &txnDataset{open: "ri.txn.other"}

	txn, committed, err := foundryio.UploadDatasetCSV(context.Background(), ds, foundry.DatasetRef{RID: "ri.out"}, "", []byte("x\n"), fastRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn != "ri.txn.other" || committed {
		t.Fatalf("got txn=%q committed=%v, want txn=ri.txn.other committed=false", txn, committed)
	}
	if len(ds.uploads) != 1 || len(ds.commits) != 0 {
		t.Fatalf("uploads=%v commits=%v", ds.uploads, ds.commits)
	}
}

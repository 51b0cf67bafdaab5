package mockfoundry_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/labour-choropleth/pkg/foundry"
	"github.com/shpitdev/labour-choropleth/pkg/mockfoundry"
)

func newClient(t *testing.T, srv *mockfoundry.Server, token string) *foundry.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := foundry.NewClient(ts.URL+"/api", token, "")
	if err != nil {
		t.Fatalf("new foundry client: %v", err)
	}
	return client
}

func TestMockFoundry_CommitUpdatesReadTable(t *testing.T) {
	t.Parallel()

	uploadDir := t.TempDir()
	srv := mockfoundry.New(t.TempDir(), uploadDir)
	client := newClient(t, srv, "dummy-token")

	ctx := context.Background()
	rid := "ri.foundry.main.dataset.99999999-9999-9999-9999-999999999999"

	txn, err := client.CreateTransaction(ctx, rid, "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	want := []byte("country,income_tertile,labour_tertile\nRussia,1,1\n")
	if err := client.UploadFile(ctx, rid, txn, "bucketed.csv", "text/csv", want); err != nil {
		t.Fatalf("upload file: %v", err)
	}
	if err := client.CommitTransaction(ctx, rid, txn); err != nil {
		t.Fatalf("commit transaction: %v", err)
	}

	got, err := client.ReadTableCSV(ctx, rid, "")
	if err != nil {
		t.Fatalf("readTable: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readTable output mismatch:\n--- got ---\n%s\n--- want ---\n%s\n", got, want)
	}

	head, err := client.GetBranchTransactionRID(ctx, rid, "master")
	if err != nil {
		t.Fatalf("get branch: %v", err)
	}
	if head != txn {
		t.Fatalf("branch head got=%q want=%q", head, txn)
	}

	onDisk, err := os.ReadFile(filepath.Join(uploadDir, rid, "_committed", "readTable.csv"))
	if err != nil {
		t.Fatalf("committed head not persisted: %v", err)
	}
	if !bytes.Equal(onDisk, want) {
		t.Fatalf("persisted head mismatch: %q", onDisk)
	}
}

func TestMockFoundry_ReadsInputDirAndSeededInputs(t *testing.T) {
	t.Parallel()

	inputDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(inputDir, "ri.in.disk.csv"), []byte("setting\nChad\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	srv := mockfoundry.New(inputDir, t.TempDir())
	srv.SetInput("ri.in.memory", []byte("setting\nPeru\n"))
	client := newClient(t, srv, "")

	for rid, want := range map[string]string{"ri.in.disk": "setting\nChad\n", "ri.in.memory": "setting\nPeru\n"} {
		got, err := client.ReadTableCSV(context.Background(), rid, "")
		if err != nil {
			t.Fatalf("readTable %s: %v", rid, err)
		}
		if string(got) != want {
			t.Fatalf("readTable %s got=%q want=%q", rid, got, want)
		}
	}

	_, err := client.ReadTableCSV(context.Background(), "ri.missing", "")
	var he *foundry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound || he.ErrorName != "Datasets:DatasetNotFound" {
		t.Fatalf("expected DatasetNotFound, got %v", err)
	}
}

func TestMockFoundry_RequireBearerToken(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("", "")
	srv.RequireBearerToken("right")
	srv.SetInput("ri.x", []byte("a\n"))

	_, err := newClient(t, srv, "wrong").ReadTableCSV(context.Background(), "ri.x", "")
	var he *foundry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if _, err := newClient(t, srv, "right").ReadTableCSV(context.Background(), "ri.x", ""); err != nil {
		t.Fatalf("unexpected error with correct token: %v", err)
	}
}

func TestMockFoundry_SecondOpenTransactionConflicts(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("", "")
	client := newClient(t, srv, "")
	ctx := context.Background()
	rid := "ri.foundry.main.dataset.eeee"

	first, err := client.CreateTransaction(ctx, rid, "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	_, err = client.CreateTransaction(ctx, rid, "")
	if !foundry.IsOpenTransactionConflict(err) {
		t.Fatalf("expected open transaction conflict, got %v", err)
	}

	open, ok, err := client.FindLatestOpenTransaction(ctx, rid)
	if err != nil || !ok || open != first {
		t.Fatalf("FindLatestOpenTransaction got=(%q,%v,%v) want=(%q,true,nil)", open, ok, err, first)
	}

	// Another branch is unaffected.
	if _, err := client.CreateTransaction(ctx, rid, "develop"); err != nil {
		t.Fatalf("create transaction on develop: %v", err)
	}
}

func TestMockFoundry_RejectUploadDatasetMismatch(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("", "")
	client := newClient(t, srv, "")
	ctx := context.Background()

	txn, err := client.CreateTransaction(ctx, "ri.a", "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	err = client.UploadFile(ctx, "ri.b", txn, "bucketed.csv", "text/csv", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "errorName=Datasets:TransactionNotFound") {
		t.Fatalf("expected TransactionNotFound error, got: %v", err)
	}
}

func TestMockFoundry_CommitRequiresExactlyOneFile(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("", "")
	client := newClient(t, srv, "")
	ctx := context.Background()

	empty, err := client.CreateTransaction(ctx, "ri.c", "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	err = client.CommitTransaction(ctx, "ri.c", empty)
	if err == nil || !strings.Contains(err.Error(), "errorName=Conjure:InvalidArgument") {
		t.Fatalf("expected InvalidArgument for empty commit, got: %v", err)
	}

	multi, err := client.CreateTransaction(ctx, "ri.d", "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	for _, p := range []string{"bucketed.csv", "other/extra.csv"} {
		if err := client.UploadFile(ctx, "ri.d", multi, p, "text/csv", []byte("a")); err != nil {
			t.Fatalf("upload %s: %v", p, err)
		}
	}
	err = client.CommitTransaction(ctx, "ri.d", multi)
	if err == nil || !strings.Contains(err.Error(), "errorName=Conjure:InvalidArgument") {
		t.Fatalf("expected InvalidArgument for multi-file commit, got: %v", err)
	}

	uploads := srv.Uploads()
	if len(uploads) != 2 || uploads[1].FilePath != "other/extra.csv" {
		t.Fatalf("unexpected uploads: %#v", uploads)
	}
}

package evidence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
)

func TestStoreWriteBundlePersistsFiles(t *testing.T) {
	signer, _ := newFakeSigner(t)
	dir := t.TempDir()
	c := clock.NewFake(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))

	store, err := OpenStore(dir, c)
	if err != nil {
		t.Fatal(err)
	}
	b := sealedBundle(t, "EB-20260729-0001", signer)
	if err := store.WriteBundle(b); err != nil {
		t.Fatal(err)
	}

	jsonPath := filepath.Join(dir, "2026", "07", "29", "EB-20260729-0001.json")
	if _, err := os.Stat(jsonPath); err != nil {
		t.Errorf("expected bundle json at %s: %v", jsonPath, err)
	}
	sigPath := filepath.Join(dir, "2026", "07", "29", "EB-20260729-0001.sig")
	if _, err := os.Stat(sigPath); err != nil {
		t.Errorf("expected sig file at %s: %v", sigPath, err)
	}

	pending := store.Pending()
	if len(pending) != 1 || pending[0] != "EB-20260729-0001" {
		t.Errorf("expected one pending bundle, got %v", pending)
	}
}

func TestStoreMarkUploadedRemovesFromPending(t *testing.T) {
	signer, _ := newFakeSigner(t)
	dir := t.TempDir()
	c := clock.NewFake(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))

	store, err := OpenStore(dir, c)
	if err != nil {
		t.Fatal(err)
	}
	b := sealedBundle(t, "EB-20260729-0001", signer)
	if err := store.WriteBundle(b); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkUploaded(b.BundleID, "s3://bucket/key"); err != nil {
		t.Fatal(err)
	}
	if pending := store.Pending(); len(pending) != 0 {
		t.Errorf("expected no pending bundles after upload, got %v", pending)
	}
}

func TestStoreMarkFailedKeepsPending(t *testing.T) {
	signer, _ := newFakeSigner(t)
	dir := t.TempDir()
	c := clock.NewFake(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))

	store, err := OpenStore(dir, c)
	if err != nil {
		t.Fatal(err)
	}
	b := sealedBundle(t, "EB-20260729-0001", signer)
	if err := store.WriteBundle(b); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(b.BundleID, "network timeout"); err != nil {
		t.Fatal(err)
	}
	pending := store.Pending()
	if len(pending) != 1 {
		t.Errorf("expected failed bundle to remain pending, got %v", pending)
	}
}

func TestOpenStoreReloadsRegistry(t *testing.T) {
	signer, _ := newFakeSigner(t)
	dir := t.TempDir()
	c := clock.NewFake(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))

	store, err := OpenStore(dir, c)
	if err != nil {
		t.Fatal(err)
	}
	b := sealedBundle(t, "EB-20260729-0001", signer)
	if err := store.WriteBundle(b); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenStore(dir, c)
	if err != nil {
		t.Fatal(err)
	}
	if pending := reloaded.Pending(); len(pending) != 1 {
		t.Errorf("expected registry to reload pending state, got %v", pending)
	}
}

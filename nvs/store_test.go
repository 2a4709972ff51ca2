package nvs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nvscore/nvs/flash"
	"github.com/nvscore/nvs/nvserr"
	"github.com/nvscore/nvs/page"
)

func newStore(t *testing.T, numPages int) *Store {
	t.Helper()
	dev, err := flash.NewMemDevice(int64(numPages) * page.Size)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestScalarSetGetOverwrite(t *testing.T) {
	s := newStore(t, 3)
	h, err := s.OpenNamespace("wifi")
	if err != nil {
		t.Fatal(err)
	}

	if err := h.SetU32("channel", 6); err != nil {
		t.Fatal(err)
	}
	got, err := h.GetU32("channel")
	if err != nil || got != 6 {
		t.Fatalf("got (%d,%v), want (6,nil)", got, err)
	}

	if err := h.SetU32("channel", 11); err != nil {
		t.Fatal(err)
	}
	got, err = h.GetU32("channel")
	if err != nil || got != 11 {
		t.Fatalf("after overwrite: got (%d,%v), want (11,nil)", got, err)
	}

	matches := s.findAll(h.Namespace(), "channel")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one live entry after overwrite, found %d", len(matches))
	}
}

func TestTypeMismatchIsAnError(t *testing.T) {
	s := newStore(t, 3)
	h, _ := s.OpenNamespace("ns")
	if err := h.SetU32("x", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.GetString("x"); !errors.Is(err, nvserr.ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newStore(t, 3)
	h, _ := s.OpenNamespace("ns")
	if _, err := h.GetU8("missing"); !errors.Is(err, nvserr.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := newStore(t, 3)
	a, _ := s.OpenNamespace("a")
	b, _ := s.OpenNamespace("b")

	if a.Namespace() == b.Namespace() {
		t.Fatal("distinct namespace names must get distinct indices")
	}

	if err := a.SetU8("k", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.GetU8("k"); !errors.Is(err, nvserr.ErrNotFound) {
		t.Fatal("namespaces must not see each other's keys")
	}
}

func TestNamespaceIndexSurvivesReopen(t *testing.T) {
	dev, err := flash.NewMemDevice(3 * page.Size)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := s.GetNamespace("wifi")
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	idx2, err := reopened.GetNamespace("wifi")
	if err != nil {
		t.Fatal(err)
	}
	if idx != idx2 {
		t.Fatalf("namespace index changed across reopen: %d -> %d", idx, idx2)
	}
}

func TestStringRoundTrip(t *testing.T) {
	s := newStore(t, 3)
	h, _ := s.OpenNamespace("cfg")

	if err := h.SetString("name", "hello world"); err != nil {
		t.Fatal(err)
	}
	got, err := h.GetString("name")
	if err != nil || got != "hello world" {
		t.Fatalf("got (%q,%v)", got, err)
	}

	if err := h.SetString("name", "goodbye world"); err != nil {
		t.Fatal(err)
	}
	got, err = h.GetString("name")
	if err != nil || got != "goodbye world" {
		t.Fatalf("after overwrite: got (%q,%v), want (\"goodbye world\",nil)", got, err)
	}
	if matches := s.findAll(h.Namespace(), "name"); len(matches) != 1 {
		t.Fatalf("expected exactly one live entry after overwrite, found %d", len(matches))
	}
}

func TestEraseRemovesKey(t *testing.T) {
	s := newStore(t, 3)
	h, _ := s.OpenNamespace("cfg")
	if err := h.SetU32("x", 1); err != nil {
		t.Fatal(err)
	}
	if err := h.Erase("x"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.GetU32("x"); !errors.Is(err, nvserr.ErrNotFound) {
		t.Fatal("expected not-found after erase")
	}
}

func TestEraseAllClearsNamespaceOnly(t *testing.T) {
	s := newStore(t, 3)
	a, _ := s.OpenNamespace("a")
	b, _ := s.OpenNamespace("b")

	if err := a.SetU8("x", 1); err != nil {
		t.Fatal(err)
	}
	if err := b.SetU8("y", 2); err != nil {
		t.Fatal(err)
	}

	if err := a.EraseAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetU8("x"); !errors.Is(err, nvserr.ErrNotFound) {
		t.Fatal("namespace a should be empty")
	}
	if got, err := b.GetU8("y"); err != nil || got != 2 {
		t.Fatalf("namespace b should survive a's erase-all: got (%d,%v)", got, err)
	}
}

func TestBlobRoundTripAcrossMultipleChunks(t *testing.T) {
	s := newStore(t, 6)
	h, _ := s.OpenNamespace("ota")

	data := make([]byte, MaxChunkPayload+500)
	for i := range data {
		data[i] = byte(i)
	}

	if err := h.SetBlob("image", data); err != nil {
		t.Fatal(err)
	}

	got, err := h.GetBlob("image")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled blob does not match original")
	}
}

func TestBlobOverwriteSkipsIdenticalContent(t *testing.T) {
	s := newStore(t, 6)
	h, _ := s.OpenNamespace("ota")

	data := []byte("same content")
	if err := h.SetBlob("image", data); err != nil {
		t.Fatal(err)
	}
	before := len(s.findAll(h.Namespace(), "image"))

	if err := h.SetBlob("image", append([]byte(nil), data...)); err != nil {
		t.Fatal(err)
	}
	after := len(s.findAll(h.Namespace(), "image"))

	if before != 1 || after != 1 {
		t.Fatalf("expected exactly one live index entry throughout, got before=%d after=%d", before, after)
	}
}

func TestBlobOverwriteWithNewContent(t *testing.T) {
	s := newStore(t, 6)
	h, _ := s.OpenNamespace("ota")

	if err := h.SetBlob("image", []byte("version one")); err != nil {
		t.Fatal(err)
	}
	if err := h.SetBlob("image", []byte("version two, a bit longer")); err != nil {
		t.Fatal(err)
	}

	got, err := h.GetBlob("image")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version two, a bit longer" {
		t.Fatalf("got %q", got)
	}
}

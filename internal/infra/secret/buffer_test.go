package secret

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewFromBytesWipesSource(t *testing.T) {
	source := []byte("app-password")
	buf, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("new from bytes: %v", err)
	}
	defer buf.Close()

	for _, b := range source {
		if b != 0 {
			t.Fatal("source slice still holds secret bytes")
		}
	}
	data, err := buf.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.Equal(data, []byte("app-password")) {
		t.Fatal("buffer does not hold the copied secret")
	}
}

func TestCloseInvalidatesBuffer(t *testing.T) {
	buf, err := NewFromBytes([]byte("app-password"))
	if err != nil {
		t.Fatalf("new from bytes: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !buf.Closed() {
		t.Fatal("buffer not marked closed")
	}
	if _, err := buf.Bytes(); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	// Idempotent.
	if err := buf.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected size 0 to be rejected")
	}
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("expected empty source to be rejected")
	}
}

func TestWipe(t *testing.T) {
	data := []byte{1, 2, 3}
	Wipe(data)
	for _, b := range data {
		if b != 0 {
			t.Fatal("wipe left residue")
		}
	}
}

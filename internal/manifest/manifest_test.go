package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := Create(&buf, 256*1024, false, false, "", 0, "/home/user", []string{"/home/user/data"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sum := sha1.Sum([]byte("abc"))
	fh := FileHeader{NrShas: 1, Mode: 0644, Type: TypeRegular, Filename: "abc.txt"}
	if err := w.WriteHeader(fh); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDigest(Digest{Sha: sum}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteTrailer(Trailer{Sha: sum, OrigSize: 3, CompSize: 3}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Global.Version != CurrentVersion {
		t.Errorf("version = %d, want %d", r.Global.Version, CurrentVersion)
	}
	if r.Global.Cwd != "/home/user" || len(r.Global.Paths) != 1 {
		t.Errorf("global header cwd/paths not round-tripped: %+v", r.Global)
	}

	gotFh, err := r.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if gotFh.IsEOF() || gotFh.NrShas != 1 || gotFh.Filename != "abc.txt" {
		t.Fatalf("unexpected file header: %+v", gotFh)
	}

	gotDigest, err := r.ReadDigest()
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(gotDigest.Sha[:]) != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("digest mismatch: %x", gotDigest.Sha)
	}

	gotTrailer, err := r.ReadTrailer()
	if err != nil {
		t.Fatal(err)
	}
	if gotTrailer.OrigSize != 3 || gotTrailer.CompSize != 3 {
		t.Fatalf("unexpected trailer: %+v", gotTrailer)
	}

	eof, err := r.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if !eof.IsEOF() {
		t.Fatal("expected EOF sentinel")
	}
}

func TestEncryptedDigestWidth(t *testing.T) {
	var buf bytes.Buffer
	w, err := Create(&buf, 256*1024, true, false, "", 0, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	d := Digest{Sha: [20]byte{1}, CSha: [20]byte{2}, IV: [16]byte{3}}
	if err := w.WriteHeader(FileHeader{NrShas: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDigest(d); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteTrailer(Trailer{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if DigestWidth(r.Global.CryptoEnabled()) != 56 {
		t.Fatalf("expected encrypted digest width 56, got %d", DigestWidth(r.Global.CryptoEnabled()))
	}
	if _, err := r.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadDigest()
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatalf("digest mismatch: %+v vs %+v", got, d)
	}
}

func TestSkipDigestsBySeek(t *testing.T) {
	var buf bytes.Buffer
	w, err := Create(&buf, 256*1024, false, false, "", 0, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(FileHeader{NrShas: 3}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := w.WriteDigest(Digest{Sha: [20]byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.WriteTrailer(Trailer{OrigSize: 10}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	fh, err := r.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SkipDigests(fh.NrShas); err != nil {
		t.Fatal(err)
	}
	trailer, err := r.ReadTrailer()
	if err != nil {
		t.Fatal(err)
	}
	if trailer.OrigSize != 10 {
		t.Fatalf("skip-then-trailer mismatch: %+v", trailer)
	}
}

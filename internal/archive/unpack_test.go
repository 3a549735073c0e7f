package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type zipFile struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, files []zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.name, Method: zip.Deflate}
		if f.mode != 0 {
			hdr.SetMode(f.mode)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create entry %s: %v", f.name, err)
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			t.Fatalf("write entry %s: %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func newTestUnpacker(t *testing.T, limits Limits) (*Unpacker, string) {
	t.Helper()
	root := t.TempDir()
	return NewUnpacker(root, limits), root
}

func assertNoScratch(t *testing.T, root, jobID string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(root, jobID)); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir for %s to be removed, stat err=%v", jobID, err)
	}
}

func TestUnpackWritesOnlyInsideScratchRoot(t *testing.T) {
	u, root := newTestUnpacker(t, Limits{})
	data := buildZip(t, []zipFile{
		{name: "paper/main.tex", body: "\\section{Intro}\nHello."},
		{name: "paper/sections/intro.tex", body: "Intro text."},
		{name: "paper/refs.bib", body: "@article{foo,\n title={x}}"},
		{name: "/leading/slash.txt", body: "ok"},
		{name: "windows\\style\\fig.png", body: "png"},
	})

	p, err := u.Unpack(context.Background(), data, "job-1")
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	defer p.Cleanup()

	if len(p.TexCandidates) != 2 || p.TexCandidates[0] != "paper/main.tex" {
		t.Fatalf("unexpected tex candidates %v", p.TexCandidates)
	}
	if len(p.ExtractedFiles) != 5 {
		t.Fatalf("expected 5 extracted files, got %v", p.ExtractedFiles)
	}

	scratch := filepath.Join(root, "job-1")
	err = filepath.Walk(scratch, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		abs, _ := filepath.Abs(path)
		if abs != p.RootDir && !strings.HasPrefix(abs, p.RootDir+string(filepath.Separator)) {
			t.Fatalf("path %s escapes scratch root %s", abs, p.RootDir)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(p.RootDir, "windows", "style", "fig.png"))
	if err != nil || string(b) != "png" {
		t.Fatalf("expected normalised backslash path, got %q err=%v", b, err)
	}

	p.Cleanup()
	assertNoScratch(t, root, "job-1")
}

func TestUnpackRejectsTraversal(t *testing.T) {
	cases := []string{"../../etc/passwd.txt", "a/../../b.tex", "../x.tex", "C:\\evil.tex", "ok/..\\..\\evil.tex"}
	for _, name := range cases {
		u, root := newTestUnpacker(t, Limits{})
		data := buildZip(t, []zipFile{
			{name: "main.tex", body: "x"},
			{name: name, body: "pwned"},
		})
		_, err := u.Unpack(context.Background(), data, "job-trav")
		if !errors.Is(err, ErrUnsafeEntryPath) {
			t.Fatalf("%q: expected UnsafeEntryPath, got %v", name, err)
		}
		assertNoScratch(t, root, "job-trav")
		entries, _ := os.ReadDir(root)
		if len(entries) != 0 {
			t.Fatalf("%q: expected nothing written, found %d entries", name, len(entries))
		}
	}
}

func TestUnpackRejectsEtcPasswd(t *testing.T) {
	u, root := newTestUnpacker(t, Limits{})
	data := buildZip(t, []zipFile{{name: "../../etc/passwd", body: "root:x:0:0"}})

	_, err := u.Unpack(context.Background(), data, "job-c")
	var ae *ArchiveError
	if !errors.As(err, &ae) || ae.Kind != KindUnsafeEntryPath {
		t.Fatalf("expected UnsafeEntryPath, got %v", err)
	}
	assertNoScratch(t, root, "job-c")
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "etc", "passwd")); !os.IsNotExist(err) {
		t.Fatalf("file written outside scratch root")
	}
}

func TestUnpackRejectsSymlink(t *testing.T) {
	u, root := newTestUnpacker(t, Limits{})
	data := buildZip(t, []zipFile{{name: "link.tex", body: "/etc/passwd", mode: os.ModeSymlink | 0o777}})

	_, err := u.Unpack(context.Background(), data, "job-link")
	if !errors.Is(err, ErrDisallowedEntryType) {
		t.Fatalf("expected DisallowedEntryType, got %v", err)
	}
	assertNoScratch(t, root, "job-link")
}

func TestUnpackRejectsDisallowedExtension(t *testing.T) {
	u, _ := newTestUnpacker(t, Limits{})
	data := buildZip(t, []zipFile{{name: "main.tex", body: "x"}, {name: "run.sh", body: "rm -rf /"}})

	_, err := u.Unpack(context.Background(), data, "job-ext")
	if !errors.Is(err, ErrDisallowedFileType) {
		t.Fatalf("expected DisallowedFileType, got %v", err)
	}
}

func TestUnpackTotalSizeLimitCleansUp(t *testing.T) {
	u, root := newTestUnpacker(t, Limits{MaxTotalBytes: 1000, MaxEntryBytes: 800})
	data := buildZip(t, []zipFile{
		{name: "a.tex", body: strings.Repeat("a", 600)},
		{name: "b.tex", body: strings.Repeat("b", 600)},
	})

	_, err := u.Unpack(context.Background(), data, "job-d")
	if !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("expected ArchiveTooLarge, got %v", err)
	}
	assertNoScratch(t, root, "job-d")
}

func TestUnpackEntrySizeLimit(t *testing.T) {
	u, root := newTestUnpacker(t, Limits{MaxEntryBytes: 100})
	data := buildZip(t, []zipFile{{name: "big.tex", body: strings.Repeat("z", 500)}})

	_, err := u.Unpack(context.Background(), data, "job-big")
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("expected EntryTooLarge, got %v", err)
	}
	assertNoScratch(t, root, "job-big")
}

func TestUnpackCountsActualBytesWhenHeaderLies(t *testing.T) {
	u, root := newTestUnpacker(t, Limits{MaxEntryBytes: 100})
	data := buildZip(t, []zipFile{{name: "bomb.tex", body: strings.Repeat("z", 5000)}})

	// Rewrite the declared uncompressed size in the central directory.
	cd := bytes.LastIndex(data, []byte{0x50, 0x4b, 0x01, 0x02})
	binary.LittleEndian.PutUint32(data[cd+24:], 10)

	_, err := u.Unpack(context.Background(), data, "job-bomb")
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("expected EntryTooLarge, got %v", err)
	}
	assertNoScratch(t, root, "job-bomb")
}

func TestUnpackTooManyFiles(t *testing.T) {
	u, _ := newTestUnpacker(t, Limits{MaxEntries: 2})
	data := buildZip(t, []zipFile{{name: "a.tex"}, {name: "b.tex"}, {name: "c.tex"}})

	_, err := u.Unpack(context.Background(), data, "job-many")
	if !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("expected TooManyFiles, got %v", err)
	}
}

func TestUnpackUnsupportedCompression(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{Name: "main.tex", Method: 12, CompressedSize64: 3, UncompressedSize64: 3})
	if err != nil {
		t.Fatalf("create raw: %v", err)
	}
	_, _ = w.Write([]byte("abc"))
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	u, _ := newTestUnpacker(t, Limits{})
	_, err = u.Unpack(context.Background(), buf.Bytes(), "job-bz")
	if !errors.Is(err, ErrUnsupportedCompression) {
		t.Fatalf("expected UnsupportedCompression, got %v", err)
	}
}

func TestUnpackZip64Rejected(t *testing.T) {
	data := buildZip(t, []zipFile{{name: "main.tex", body: "x"}})
	eocd := bytes.LastIndex(data, []byte{0x50, 0x4b, 0x05, 0x06})
	binary.LittleEndian.PutUint32(data[eocd+16:], 0xFFFFFFFF)

	u, _ := newTestUnpacker(t, Limits{})
	_, err := u.Unpack(context.Background(), data, "job-z64")
	if !errors.Is(err, ErrUnsupportedZip64) {
		t.Fatalf("expected UnsupportedZip64, got %v", err)
	}
}

func TestUnpackCorrupt(t *testing.T) {
	u, _ := newTestUnpacker(t, Limits{})

	_, err := u.Unpack(context.Background(), []byte("definitely not a zip archive at all"), "job-bad")
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected CorruptArchive, got %v", err)
	}

	data := buildZip(t, []zipFile{{name: "main.tex", body: "hello"}})
	cd := bytes.LastIndex(data, []byte{0x50, 0x4b, 0x01, 0x02})
	data[cd] = 'X'
	_, err = u.Unpack(context.Background(), data, "job-bad")
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected CorruptArchive on bad central signature, got %v", err)
	}
}

func TestUnpackRejectsUnsafeJobID(t *testing.T) {
	u, _ := newTestUnpacker(t, Limits{})
	data := buildZip(t, []zipFile{{name: "main.tex", body: "x"}})
	if _, err := u.Unpack(context.Background(), data, "../escape"); err == nil {
		t.Fatalf("expected job id to be rejected")
	}
}

func TestProjectAbsStaysInRoot(t *testing.T) {
	p := &Project{RootDir: t.TempDir()}
	if _, ok := p.Abs("../outside.tex"); ok {
		t.Fatalf("expected traversal to be refused")
	}
	abs, ok := p.Abs("sub/file.tex")
	if !ok || !strings.HasPrefix(abs, p.RootDir) {
		t.Fatalf("expected in-root path, got %q ok=%v", abs, ok)
	}
}

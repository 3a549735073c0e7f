// Package archive unpacks uploaded project ZIPs into a per-job scratch
// directory. The central directory is parsed by hand so that every entry can
// be vetted before a single byte reaches disk.
package archive

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	sigEOCD          = 0x06054b50
	sigCentralHeader = 0x02014b50
	sigLocalHeader   = 0x04034b50

	eocdLen          = 22
	centralHeaderLen = 46
	localHeaderLen   = 30
	maxCommentLen    = 0xFFFF

	methodStored  = 0
	methodDeflate = 8

	zip64Marker32 = 0xFFFFFFFF
	zip64Marker16 = 0xFFFF

	modeTypeMask = 0xF000
	modeSymlink  = 0xA000
	modeDir      = 0x4000
	msdosDirAttr = 0x10
)

// Allowed holds the file extensions a LaTeX project may contain.
var Allowed = map[string]bool{
	".tex": true, ".bib": true, ".bst": true, ".cls": true, ".sty": true,
	".txt": true, ".bbl": true, ".csv": true, ".eps": true, ".pdf": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
}

var safeJobID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type Limits struct {
	MaxEntries    int
	MaxEntryBytes int64
	MaxTotalBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxEntries <= 0 {
		l.MaxEntries = 2000
	}
	if l.MaxEntryBytes <= 0 {
		l.MaxEntryBytes = 50 << 20
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = 200 << 20
	}
	return l
}

type Unpacker struct {
	scratchRoot string
	limits      Limits
}

func NewUnpacker(scratchRoot string, limits Limits) *Unpacker {
	if scratchRoot == "" {
		scratchRoot = filepath.Join(os.TempDir(), "manuscript-scratch")
	}
	return &Unpacker{scratchRoot: scratchRoot, limits: limits.withDefaults()}
}

// Project is an unpacked archive. Paths in TexCandidates and ExtractedFiles
// are slash separated and relative to RootDir, in central-directory order.
type Project struct {
	RootDir        string
	TexCandidates  []string
	ExtractedFiles []string
}

// Cleanup removes the scratch directory. Safe to call more than once.
func (p *Project) Cleanup() {
	if p != nil && p.RootDir != "" {
		_ = os.RemoveAll(p.RootDir)
	}
}

// Abs resolves a project-relative path, refusing anything outside RootDir.
func (p *Project) Abs(rel string) (string, bool) {
	clean, err := cleanEntryName(rel)
	if err != nil || clean == "" {
		return "", false
	}
	abs := filepath.Join(p.RootDir, filepath.FromSlash(clean))
	if !within(p.RootDir, abs) {
		return "", false
	}
	return abs, true
}

type entry struct {
	name        string
	dir         bool
	method      uint16
	crc         uint32
	compSize    uint64
	uncompSize  uint64
	localOffset uint64
}

// Unpack validates zipBytes and writes its entries below
// <scratchRoot>/<jobID>. On any error the directory is removed before
// returning.
func (u *Unpacker) Unpack(ctx context.Context, zipBytes []byte, jobID string) (*Project, error) {
	if !safeJobID.MatchString(jobID) {
		return nil, fmt.Errorf("archive: invalid job id %q", jobID)
	}

	entries, err := u.readCentralDirectory(zipBytes)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(filepath.Join(u.scratchRoot, jobID))
	if err != nil {
		return nil, fmt.Errorf("archive: scratch path: %w", err)
	}
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("archive: clear stale scratch: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: scratch dir: %w", err)
	}

	project := &Project{RootDir: root}
	done := false
	defer func() {
		if !done {
			project.Cleanup()
		}
	}()

	var total int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dest := filepath.Join(root, filepath.FromSlash(e.name))
		if !within(root, dest) {
			return nil, fail(KindUnsafeEntryPath, e.name, "resolves outside scratch root")
		}
		if e.dir {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, fmt.Errorf("archive: mkdir %s: %w", e.name, err)
			}
			continue
		}

		if int64(e.uncompSize) > u.limits.MaxEntryBytes {
			return nil, fail(KindEntryTooLarge, e.name, "declared %d bytes, limit %d", e.uncompSize, u.limits.MaxEntryBytes)
		}
		if total+int64(e.uncompSize) > u.limits.MaxTotalBytes {
			return nil, fail(KindArchiveTooLarge, e.name, "total would exceed %d bytes", u.limits.MaxTotalBytes)
		}

		n, err := u.writeEntry(zipBytes, e, dest, total)
		if err != nil {
			return nil, err
		}
		total += n

		project.ExtractedFiles = append(project.ExtractedFiles, e.name)
		if strings.EqualFold(path.Ext(e.name), ".tex") {
			project.TexCandidates = append(project.TexCandidates, e.name)
		}
	}

	done = true
	return project, nil
}

// readCentralDirectory locates the EOCD record and vets every entry. Nothing
// is written to disk here.
func (u *Unpacker) readCentralDirectory(b []byte) ([]entry, error) {
	eocd := findEOCD(b)
	if eocd < 0 {
		return nil, fail(KindCorrupt, "", "end of central directory not found")
	}

	diskEntries := binary.LittleEndian.Uint16(b[eocd+8:])
	count := binary.LittleEndian.Uint16(b[eocd+10:])
	cdSize := binary.LittleEndian.Uint32(b[eocd+12:])
	cdOffset := binary.LittleEndian.Uint32(b[eocd+16:])

	if count == zip64Marker16 || diskEntries == zip64Marker16 || cdSize == zip64Marker32 || cdOffset == zip64Marker32 {
		return nil, fail(KindUnsupportedZip64, "", "zip64 end of central directory")
	}
	if uint64(cdOffset)+uint64(cdSize) > uint64(eocd) {
		return nil, fail(KindCorrupt, "", "central directory out of bounds")
	}

	entries := make([]entry, 0, count)
	seen := make(map[string]bool, count)
	pos := int(cdOffset)
	files := 0

	for i := 0; i < int(count); i++ {
		if pos+centralHeaderLen > len(b) {
			return nil, fail(KindCorrupt, "", "truncated central directory")
		}
		if binary.LittleEndian.Uint32(b[pos:]) != sigCentralHeader {
			return nil, fail(KindCorrupt, "", "bad central header signature at entry %d", i)
		}

		h := b[pos:]
		flags := binary.LittleEndian.Uint16(h[8:])
		method := binary.LittleEndian.Uint16(h[10:])
		crc := binary.LittleEndian.Uint32(h[16:])
		compSize := binary.LittleEndian.Uint32(h[20:])
		uncompSize := binary.LittleEndian.Uint32(h[24:])
		nameLen := int(binary.LittleEndian.Uint16(h[28:]))
		extraLen := int(binary.LittleEndian.Uint16(h[30:]))
		commentLen := int(binary.LittleEndian.Uint16(h[32:]))
		external := binary.LittleEndian.Uint32(h[38:])
		localOffset := binary.LittleEndian.Uint32(h[42:])

		next := pos + centralHeaderLen + nameLen + extraLen + commentLen
		if next > len(b) {
			return nil, fail(KindCorrupt, "", "truncated central entry %d", i)
		}
		rawName := string(b[pos+centralHeaderLen : pos+centralHeaderLen+nameLen])
		pos = next

		files++
		if files > u.limits.MaxEntries {
			return nil, fail(KindTooManyFiles, "", "more than %d entries", u.limits.MaxEntries)
		}

		if compSize == zip64Marker32 || uncompSize == zip64Marker32 || localOffset == zip64Marker32 {
			return nil, fail(KindUnsupportedZip64, rawName, "zip64 sizes")
		}

		mode := external >> 16
		if mode&modeTypeMask == modeSymlink {
			return nil, fail(KindDisallowedEntryType, rawName, "symbolic link")
		}

		name, err := cleanEntryName(rawName)
		if err != nil {
			return nil, err
		}
		isDir := strings.HasSuffix(strings.ReplaceAll(rawName, "\\", "/"), "/") ||
			mode&modeTypeMask == modeDir || external&msdosDirAttr != 0
		if name == "" {
			if isDir {
				continue
			}
			return nil, fail(KindUnsafeEntryPath, rawName, "empty path")
		}
		if mode&modeTypeMask != 0 && mode&modeTypeMask != modeDir && mode&modeTypeMask != 0x8000 {
			return nil, fail(KindDisallowedEntryType, rawName, "mode %o", mode)
		}

		if !isDir {
			if !Allowed[strings.ToLower(path.Ext(name))] {
				return nil, fail(KindDisallowedFileType, rawName, "extension not allowed")
			}
			if flags&0x1 != 0 {
				return nil, fail(KindUnsupportedCompression, rawName, "encrypted entry")
			}
			if method != methodStored && method != methodDeflate {
				return nil, fail(KindUnsupportedCompression, rawName, "method %d", method)
			}
			if seen[name] {
				return nil, fail(KindCorrupt, rawName, "duplicate entry")
			}
			seen[name] = true
		}

		entries = append(entries, entry{
			name:        name,
			dir:         isDir,
			method:      method,
			crc:         crc,
			compSize:    uint64(compSize),
			uncompSize:  uint64(uncompSize),
			localOffset: uint64(localOffset),
		})
	}
	return entries, nil
}

// findEOCD scans backwards from the tail, bounded by the longest possible
// archive comment.
func findEOCD(b []byte) int {
	if len(b) < eocdLen {
		return -1
	}
	stop := len(b) - eocdLen - maxCommentLen
	if stop < 0 {
		stop = 0
	}
	for i := len(b) - eocdLen; i >= stop; i-- {
		if binary.LittleEndian.Uint32(b[i:]) != sigEOCD {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(b[i+20:]))
		if i+eocdLen+commentLen <= len(b) {
			return i
		}
	}
	return -1
}

func (u *Unpacker) writeEntry(b []byte, e entry, dest string, written int64) (int64, error) {
	off := e.localOffset
	if off+localHeaderLen > uint64(len(b)) {
		return 0, fail(KindCorrupt, e.name, "local header out of bounds")
	}
	lh := b[off:]
	if binary.LittleEndian.Uint32(lh) != sigLocalHeader {
		return 0, fail(KindCorrupt, e.name, "bad local header signature")
	}
	nameLen := uint64(binary.LittleEndian.Uint16(lh[26:]))
	extraLen := uint64(binary.LittleEndian.Uint16(lh[28:]))
	start := off + localHeaderLen + nameLen + extraLen
	end := start + e.compSize
	if end > uint64(len(b)) {
		return 0, fail(KindCorrupt, e.name, "entry data out of bounds")
	}

	var src io.Reader = bytes.NewReader(b[start:end])
	if e.method == methodDeflate {
		fr := flate.NewReader(src)
		defer fr.Close()
		src = fr
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("archive: mkdir: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("archive: create %s: %w", e.name, err)
	}
	defer f.Close()

	// Actual bytes are counted as well: a header that understates the size
	// must not get past the limits.
	limit := u.limits.MaxEntryBytes
	if remaining := u.limits.MaxTotalBytes - written; remaining < limit {
		limit = remaining
	}

	h := crc32.NewIEEE()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(src, limit+1))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, new(flate.CorruptInputError)) {
			return 0, fail(KindCorrupt, e.name, "inflate: %v", err)
		}
		return 0, fmt.Errorf("archive: write %s: %w", e.name, err)
	}
	if n > limit {
		if n > u.limits.MaxEntryBytes {
			return 0, fail(KindEntryTooLarge, e.name, "exceeds %d bytes", u.limits.MaxEntryBytes)
		}
		return 0, fail(KindArchiveTooLarge, e.name, "total exceeds %d bytes", u.limits.MaxTotalBytes)
	}
	if h.Sum32() != e.crc {
		return 0, fail(KindCorrupt, e.name, "crc mismatch")
	}
	return n, nil
}

// cleanEntryName normalises an entry name and refuses anything that could
// escape the extraction root.
func cleanEntryName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fail(KindUnsafeEntryPath, name, "NUL byte in name")
	}
	n := strings.ReplaceAll(name, "\\", "/")
	if len(n) >= 2 && n[1] == ':' {
		return "", fail(KindUnsafeEntryPath, name, "absolute path")
	}
	if strings.HasPrefix(n, "//") {
		return "", fail(KindUnsafeEntryPath, name, "absolute path")
	}
	n = strings.TrimLeft(n, "/")
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", fail(KindUnsafeEntryPath, name, "parent directory segment")
		}
	}
	n = path.Clean(n)
	if n == "." {
		return "", nil
	}
	if path.IsAbs(n) || filepath.IsAbs(n) {
		return "", fail(KindUnsafeEntryPath, name, "absolute path")
	}
	return n, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

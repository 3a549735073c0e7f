package archive

import "fmt"

type Kind string

const (
	KindCorrupt                Kind = "CorruptArchive"
	KindUnsafeEntryPath        Kind = "UnsafeEntryPath"
	KindDisallowedEntryType    Kind = "DisallowedEntryType"
	KindDisallowedFileType     Kind = "DisallowedFileType"
	KindTooManyFiles           Kind = "TooManyFiles"
	KindEntryTooLarge          Kind = "EntryTooLarge"
	KindArchiveTooLarge        Kind = "ArchiveTooLarge"
	KindUnsupportedCompression Kind = "UnsupportedCompression"
	KindUnsupportedZip64       Kind = "UnsupportedZip64"
)

// Sentinels for errors.Is; they match any ArchiveError of the same kind.
var (
	ErrCorrupt                = &ArchiveError{Kind: KindCorrupt}
	ErrUnsafeEntryPath        = &ArchiveError{Kind: KindUnsafeEntryPath}
	ErrDisallowedEntryType    = &ArchiveError{Kind: KindDisallowedEntryType}
	ErrDisallowedFileType     = &ArchiveError{Kind: KindDisallowedFileType}
	ErrTooManyFiles           = &ArchiveError{Kind: KindTooManyFiles}
	ErrEntryTooLarge          = &ArchiveError{Kind: KindEntryTooLarge}
	ErrArchiveTooLarge        = &ArchiveError{Kind: KindArchiveTooLarge}
	ErrUnsupportedCompression = &ArchiveError{Kind: KindUnsupportedCompression}
	ErrUnsupportedZip64       = &ArchiveError{Kind: KindUnsupportedZip64}
)

// ArchiveError reports why an uploaded archive was refused. Every kind is a
// problem with the caller's input.
type ArchiveError struct {
	Kind   Kind
	Entry  string
	Detail string
}

func (e *ArchiveError) Error() string {
	msg := "archive: " + string(e.Kind)
	if e.Entry != "" {
		msg += fmt.Sprintf(" (entry %q)", e.Entry)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ArchiveError) Is(target error) bool {
	t, ok := target.(*ArchiveError)
	return ok && t.Kind == e.Kind
}

func (e *ArchiveError) HTTPStatus() int { return 422 }

func fail(kind Kind, entry, format string, args ...any) *ArchiveError {
	return &ArchiveError{Kind: kind, Entry: entry, Detail: fmt.Sprintf(format, args...)}
}

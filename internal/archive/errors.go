package archive

import "errors"

var (
	// ErrMalformedArchive is returned when the upload is not a readable ZIP archive.
	ErrMalformedArchive = errors.New("malformed archive")

	// ErrPathTraversal is returned when an entry would be written outside the
	// target directory.
	ErrPathTraversal = errors.New("archive entry escapes target directory")

	// ErrUnsupportedEntry is returned for entries that cannot be materialized
	// safely, such as symbolic links and device files.
	ErrUnsupportedEntry = errors.New("unsupported archive entry")

	// ErrArchiveTooLarge is returned when the archive exceeds the configured
	// entry count or uncompressed size limits.
	ErrArchiveTooLarge = errors.New("archive exceeds size limits")

	// ErrEntryPointMissing is returned when the nominated entry point is not a
	// regular file in the extracted tree.
	ErrEntryPointMissing = errors.New("entry point not found in archive")
)

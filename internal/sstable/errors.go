package sstable

import "errors"

var (
	errBadHandle       = errors.New("sstable: bad block handle")
	errBadMagic        = errors.New("sstable: bad magic number")
	errChecksumMismatch = errors.New("sstable: checksum mismatch")
	errTruncated       = errors.New("sstable: truncated component")
	errNotFound        = errors.New("sstable: row not found")
)

// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import "errors"

var (
	ErrFormat      = errors.New("archive: not a valid archive")
	ErrUnsupported = errors.New("archive: unsupported operation")
	ErrInvalidOp   = errors.New("archive: invalid operation")
	ErrNotFound    = errors.New("archive: part not found")
	ErrDamaged     = errors.New("archive: entry is damaged")
	ErrValidation  = errors.New("archive: validation failed")
	ErrChecksum    = errors.New("archive: checksum mismatch")
)

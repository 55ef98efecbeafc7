// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNoAdapter is returned by Open when the HAL backend reports no GPU.
	ErrNoAdapter = errors.New("native: no GPU adapter available")

	// ErrProvider is returned by NewFromProvider when the provider does not
	// expose HAL objects.
	ErrProvider = errors.New("native: provider does not expose HAL device and queue")

	// ErrTimeout is returned when a fence does not signal in time.
	ErrTimeout = errors.New("native: fence wait timed out")

	// ErrForeignBuffer is returned by Exec when a batch references a buffer
	// allocated by another device.
	ErrForeignBuffer = errors.New("native: buffer belongs to another device")
)

// Package types implements data structures for the Apple File System.
// This package is based on the official Apple File System Reference (June 2020).
package types

// General-Purpose Types (page 9)
// Basic types that are used in a variety of contexts, and aren't associated with
// any particular functionality.

// Paddr represents a physical address of an on-disk block.
// Negative numbers aren't valid addresses.
// This value is modeled as a signed integer to match IOKit.
// Reference: page 9
type Paddr int64

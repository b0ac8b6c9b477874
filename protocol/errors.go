package protocol

import "errors"

var (
	// ErrBadVersion indicates a strict message header with an unknown version.
	ErrBadVersion = errors.New("bad version in message header")

	// ErrMissingVersion indicates a non-strict header while strict reads are required.
	ErrMissingVersion = errors.New("missing version in message header")

	// ErrNegativeSize indicates a negative length for a string or container.
	ErrNegativeSize = errors.New("negative size")

	// ErrSizeLimit indicates a length above the configured limit.
	ErrSizeLimit = errors.New("size exceeds limit")

	// ErrDepthLimit indicates nesting deeper than Skip is willing to follow.
	ErrDepthLimit = errors.New("depth limit exceeded")

	// ErrUnknownType indicates a type id that is not part of the protocol.
	ErrUnknownType = errors.New("unknown data type")
)

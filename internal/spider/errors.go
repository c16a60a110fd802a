package spider

import "errors"

var (
	// ErrBandwidthLimited means the host answered with its bandwidth-exceeded image.
	ErrBandwidthLimited = errors.New("bandwidth limit exceeded")
	// ErrShowKeyMismatch means the cached show key was rejected by the API.
	ErrShowKeyMismatch = errors.New("key mismatch")
	// ErrShowKeyUnavailable means neither the cache nor the page markup produced a show key.
	ErrShowKeyUnavailable = errors.New("show key unavailable")
	// ErrImageURLUnavailable means no image URL could be resolved for a page.
	ErrImageURLUnavailable = errors.New("image url unavailable")
	// ErrTokenUnresolvable means every token lookup for a page failed.
	ErrTokenUnresolvable = errors.New("get page token error")
	// ErrIncompleteTransfer means the body ended before the announced length.
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	// ErrPlainTextContent means the stored bytes were text, not an image.
	ErrPlainTextContent = errors.New("reading failed: content is plain text")
	// ErrOutOfRange is reported for indices outside [0, pageCount).
	ErrOutOfRange = errors.New("page index out of range")
	// ErrInterrupted is used internally when the engine stops mid-operation.
	ErrInterrupted = errors.New("interrupted")
	// ErrMetadataUnavailable means the gallery metadata could not be resolved.
	ErrMetadataUnavailable = errors.New("gallery metadata unavailable")
	// ErrMetadataPending means the page count is not known yet.
	ErrMetadataPending = errors.New("gallery metadata pending")
	// ErrStopped is returned by operations on a stopped engine.
	ErrStopped = errors.New("engine stopped")
	// ErrDownloadModeHeld is returned when a second download holder is requested.
	ErrDownloadModeHeld = errors.New("download mode already held")
	// ErrReferenceUnderflow is returned when releasing a mode with no holders.
	ErrReferenceUnderflow = errors.New("release without matching acquire")
	// ErrDecodeFailed wraps decoder and byte-source failures.
	ErrDecodeFailed = errors.New("decode failed")
	// ErrNotFinished is returned when exporting a page that has no stored bytes.
	ErrNotFinished = errors.New("page not downloaded")

	errDownloadFailed = errors.New("download failed")
)

package transfer

import (
	"errors"
	"fmt"

	"github.com/kenneth/sealdrop/internal/crypto"
)

// Phase names the pipeline step an error came from.
type Phase string

const (
	PhaseKeyDerivation     Phase = "key-derivation"
	PhaseSessionInitiation Phase = "initiate-multipart"
	PhasePresignedURL      Phase = "presigned-url"
	PhaseChunkEncryption   Phase = "encrypt-chunk"
	PhasePartUpload        Phase = "upload-part"
	PhaseCompletion        Phase = "complete-multipart"
	PhaseRecordFile        Phase = "record-file"
	PhaseDownloadURL       Phase = "resolve-download-url"
	PhaseFetch             Phase = "fetch-object"
	PhaseDecryption        Phase = "decrypt-chunk"
)

// Error classes. Every *Error matches exactly one of them with errors.Is.
var (
	ErrKeyDerivation     = errors.New("key derivation failed")
	ErrSessionInitiation = errors.New("multipart session initiation failed")
	ErrPresignedURL      = errors.New("presigned URL request failed")
	ErrChunkEncryption   = errors.New("chunk encryption failed")
	ErrPartUpload        = errors.New("part upload failed")
	ErrCompletion        = errors.New("multipart completion failed")
	ErrRecordFile        = errors.New("file record creation failed")
	ErrDownloadURL       = errors.New("download URL resolution failed")
	ErrFetch             = errors.New("object fetch failed")
	ErrDecryption        = errors.New("chunk decryption failed")

	// ErrAuthentication is returned (wrapped) when any chunk fails
	// authentication during a download.
	ErrAuthentication = crypto.ErrAuthentication
)

var phaseErrors = map[Phase]error{
	PhaseKeyDerivation:     ErrKeyDerivation,
	PhaseSessionInitiation: ErrSessionInitiation,
	PhasePresignedURL:      ErrPresignedURL,
	PhaseChunkEncryption:   ErrChunkEncryption,
	PhasePartUpload:        ErrPartUpload,
	PhaseCompletion:        ErrCompletion,
	PhaseRecordFile:        ErrRecordFile,
	PhaseDownloadURL:       ErrDownloadURL,
	PhaseFetch:             ErrFetch,
	PhaseDecryption:        ErrDecryption,
}

// Error describes a failed transfer step.
type Error struct {
	Phase      Phase
	PartNumber int    // 1-based part or chunk number, 0 when not part specific
	UploadID   string // multipart session, empty otherwise
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Phase)
	if e.PartNumber > 0 {
		msg += fmt.Sprintf(" (part %d)", e.PartNumber)
	}
	if e.UploadID != "" {
		msg += fmt.Sprintf(" [upload %s]", e.UploadID)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap exposes both the phase class and the underlying cause.
func (e *Error) Unwrap() []error {
	if class, ok := phaseErrors[e.Phase]; ok {
		return []error{class, e.Err}
	}
	return []error{e.Err}
}

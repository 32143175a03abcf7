package models

import (
	"fmt"
	"strconv"
)

// Direction of a transfer relative to this device.
type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionReceive {
		return "receive"
	}
	return "send"
}

// FileType is the entry type tag carried by every file chunk on the wire.
type FileType int32

const (
	FileTypeFile      FileType = 1
	FileTypeDirectory FileType = 2
	FileTypeSymlink   FileType = 3
)

// TransferState enumerates the transfer lifecycle.
type TransferState uint8

const (
	TransferInitializing TransferState = iota
	TransferWaitingPermission
	TransferTransferring
	// TransferPaused is reachable but no flow currently enters it.
	TransferPaused
	TransferStopped
	TransferFinished
	TransferFinishedWithErrors
	TransferDeclined
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferInitializing:
		return "initializing"
	case TransferWaitingPermission:
		return "waiting_permission"
	case TransferTransferring:
		return "transferring"
	case TransferPaused:
		return "paused"
	case TransferStopped:
		return "stopped"
	case TransferFinished:
		return "finished"
	case TransferFinishedWithErrors:
		return "finished_with_errors"
	case TransferDeclined:
		return "declined"
	case TransferFailed:
		return "failed"
	default:
		return fmt.Sprintf("transfer_state(%d)", uint8(s))
	}
}

// ParseTransferState is the inverse of TransferState.String.
func ParseTransferState(text string) (TransferState, error) {
	for s := TransferInitializing; s <= TransferFailed; s++ {
		if s.String() == text {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer state %q", text)
}

// Terminal reports whether no further transitions happen without a retry.
func (s TransferState) Terminal() bool {
	switch s {
	case TransferStopped, TransferFinished, TransferFinishedWithErrors, TransferDeclined, TransferFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies transfer errors.
type ErrorKind uint8

const (
	ErrGeneric ErrorKind = iota
	ErrConnectionLost
	ErrStorageFull
	ErrFileNotFound
	ErrPermissionDenied
	ErrDownloadDirectoryNotSet
	ErrSymlinksNotSupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrGeneric:
		return "generic"
	case ErrConnectionLost:
		return "connection_lost"
	case ErrStorageFull:
		return "storage_full"
	case ErrFileNotFound:
		return "file_not_found"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrDownloadDirectoryNotSet:
		return "download_directory_not_set"
	case ErrSymlinksNotSupported:
		return "symlinks_not_supported"
	default:
		return fmt.Sprintf("error_kind(%d)", uint8(k))
	}
}

// TransferError is attached to a transfer, never to the remote.
type TransferError struct {
	Kind   ErrorKind
	Detail string
}

func (e TransferError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// NewTransferError is a shorthand constructor.
func NewTransferError(kind ErrorKind, detail string) TransferError {
	return TransferError{Kind: kind, Detail: detail}
}

// TransferStatus is a tagged union over TransferState.
// Err and Recoverable belong to TransferFailed; Errors belongs to TransferFinishedWithErrors.
type TransferStatus struct {
	State       TransferState
	Err         *TransferError
	Recoverable bool
	Errors      []TransferError
}

// Status wraps a data-less state.
func Status(state TransferState) TransferStatus {
	return TransferStatus{State: state}
}

// Failed builds a TransferFailed status.
func Failed(err TransferError, recoverable bool) TransferStatus {
	return TransferStatus{State: TransferFailed, Err: &err, Recoverable: recoverable}
}

// FinishedWithErrors builds a TransferFinishedWithErrors status.
func FinishedWithErrors(errs []TransferError) TransferStatus {
	out := make([]TransferError, len(errs))
	copy(out, errs)
	return TransferStatus{State: TransferFinishedWithErrors, Errors: out}
}

func (s TransferStatus) String() string {
	switch s.State {
	case TransferFailed:
		if s.Err != nil {
			return "failed: " + s.Err.Error()
		}
		return "failed"
	case TransferFinishedWithErrors:
		return fmt.Sprintf("finished_with_errors(%d)", len(s.Errors))
	default:
		return s.State.String()
	}
}

// Transfer is one send or receive operation. StartTime doubles as the identifier both peers
// use to correlate control messages, so (RemoteUUID, StartTime) is unique on both ends.
type Transfer struct {
	UID              string         `json:"uid"`
	RemoteUUID       string         `json:"remote_uuid"`
	Direction        Direction      `json:"direction"`
	Status           TransferStatus `json:"-"`
	StartTime        int64          `json:"start_time"`
	TotalSize        int64          `json:"total_size"`
	BytesTransferred int64          `json:"bytes_transferred"`
	BytesPerSecond   int64          `json:"bytes_per_second"`
	FileCount        int64          `json:"file_count"`
	SingleFileName   string         `json:"single_file_name"`
	SingleMimeType   string         `json:"single_mime_type"`
	OverwriteWarning bool           `json:"overwrite_warning"`
	TopDirBaseNames  []string       `json:"top_dir_base_names"`
	UseCompression   bool           `json:"use_compression"`
	Sources          []string       `json:"sources"`
}

// TransferKey renders the registry key for a remote and start timestamp.
func TransferKey(remoteUUID string, startTime int64) string {
	return remoteUUID + "_" + strconv.FormatInt(startTime, 10)
}

// Key returns the registry key of t.
func (t Transfer) Key() string {
	return TransferKey(t.RemoteUUID, t.StartTime)
}

// Clone returns a deep copy safe to publish outside the owning worker.
func (t Transfer) Clone() Transfer {
	out := t
	out.TopDirBaseNames = append([]string(nil), t.TopDirBaseNames...)
	out.Sources = append([]string(nil), t.Sources...)
	if t.Status.Err != nil {
		e := *t.Status.Err
		out.Status.Err = &e
	}
	out.Status.Errors = append([]TransferError(nil), t.Status.Errors...)
	return out
}

package ipc

import (
	"errors"

	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
)

// Status is the 32-bit code prefixing every reply frame, carrying the §7
// error taxonomy (or OK) across the wire.
type Status uint32

const (
	StatusOK Status = iota
	StatusPermission
	StatusParameterCheck
	StatusUnsupported
	StatusFileIO
	StatusFilePath
	StatusServiceError
	StatusTaskQueue
	StatusTaskMode
	StatusTaskNotFound
	StatusTaskState
	StatusGroupNotFound
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusPermission:
		return "Permission"
	case StatusParameterCheck:
		return "ParameterCheck"
	case StatusUnsupported:
		return "Unsupported"
	case StatusFileIO:
		return "FileIO"
	case StatusFilePath:
		return "FilePath"
	case StatusServiceError:
		return "ServiceError"
	case StatusTaskQueue:
		return "TaskQueue"
	case StatusTaskMode:
		return "TaskMode"
	case StatusTaskNotFound:
		return "TaskNotFound"
	case StatusTaskState:
		return "TaskState"
	case StatusGroupNotFound:
		return "GroupNotFound"
	default:
		return "Other"
	}
}

var codeToStatus = map[taskstore.ErrCode]Status{
	taskstore.ErrOK:             StatusOK,
	taskstore.ErrPermission:     StatusPermission,
	taskstore.ErrParameterCheck: StatusParameterCheck,
	taskstore.ErrUnsupported:    StatusUnsupported,
	taskstore.ErrFileIO:         StatusFileIO,
	taskstore.ErrFilePath:       StatusFilePath,
	taskstore.ErrServiceError:   StatusServiceError,
	taskstore.ErrTaskQueue:      StatusTaskQueue,
	taskstore.ErrTaskMode:       StatusTaskMode,
	taskstore.ErrTaskNotFound:   StatusTaskNotFound,
	taskstore.ErrTaskState:      StatusTaskState,
	taskstore.ErrGroupNotFound:  StatusGroupNotFound,
	taskstore.ErrOther:          StatusOther,
}

// statusFromErr maps a Registry error (or illegal transition) onto its §7
// wire status. Any error that isn't a *RegistryError is reported as Other
// rather than leaking an internal message onto the wire.
func statusFromErr(err error) Status {
	if err == nil {
		return StatusOK
	}
	var re *taskstore.RegistryError
	if errors.As(err, &re) {
		if s, ok := codeToStatus[re.Code]; ok {
			return s
		}
		return StatusOther
	}
	var ite *statemachine.ErrIllegalTransition
	if errors.As(err, &ite) {
		return StatusTaskState
	}
	return StatusOther
}

// ApplyVersionDowngrade implements the V9/V10 compatibility rule: legacy V9
// callers expect Remove/Resume/Query on an already-gone task to report OK
// rather than TaskNotFound, since pre-V10 clients raced their own cleanup
// against the service's. Permission failures are never downgraded — a V9
// client that lacked access before still lacks it.
func ApplyVersionDowngrade(version taskstore.VersionTag, op Opcode, status Status) Status {
	if version != taskstore.VersionV9 {
		return status
	}
	if status != StatusTaskNotFound {
		return status
	}
	switch op {
	case OpRemove, OpResume, OpQuery:
		return StatusOK
	default:
		return status
	}
}

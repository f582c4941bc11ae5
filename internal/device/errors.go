package device

import (
	"errors"
	"fmt"
)

// Code is a native backend status code. Values follow the OpenCL numbering
// so accelerator platforms can report their codes unchanged.
type Code int

const (
	Success                    Code = 0
	DeviceNotFound             Code = -1
	DeviceNotAvailable         Code = -2
	MemObjectAllocationFailure Code = -4
	OutOfResources             Code = -5
	OutOfHostMemory            Code = -6
	BuildProgramFailure        Code = -11
	InvalidValue               Code = -30
	InvalidPlatform            Code = -32
	InvalidDevice              Code = -33
	InvalidCommandQueue        Code = -36
	InvalidMemObject           Code = -38
	InvalidProgram             Code = -44
	InvalidKernelName          Code = -46
	InvalidKernelArgs          Code = -52
	InvalidWorkDimension       Code = -53
	InvalidWorkGroupSize       Code = -54
	InvalidGlobalWorkSize      Code = -63
	KernelExecutionFailure     Code = -9999
)

var codeNames = map[Code]string{
	Success:                    "CL_SUCCESS",
	DeviceNotFound:             "CL_DEVICE_NOT_FOUND",
	DeviceNotAvailable:         "CL_DEVICE_NOT_AVAILABLE",
	MemObjectAllocationFailure: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	OutOfResources:             "CL_OUT_OF_RESOURCES",
	OutOfHostMemory:            "CL_OUT_OF_HOST_MEMORY",
	BuildProgramFailure:        "CL_BUILD_PROGRAM_FAILURE",
	InvalidValue:               "CL_INVALID_VALUE",
	InvalidPlatform:            "CL_INVALID_PLATFORM",
	InvalidDevice:              "CL_INVALID_DEVICE",
	InvalidCommandQueue:        "CL_INVALID_COMMAND_QUEUE",
	InvalidMemObject:           "CL_INVALID_MEM_OBJECT",
	InvalidProgram:             "CL_INVALID_PROGRAM",
	InvalidKernelName:          "CL_INVALID_KERNEL_NAME",
	InvalidKernelArgs:          "CL_INVALID_KERNEL_ARGS",
	InvalidWorkDimension:       "CL_INVALID_WORK_DIMENSION",
	InvalidWorkGroupSize:       "CL_INVALID_WORK_GROUP_SIZE",
	InvalidGlobalWorkSize:      "CL_INVALID_GLOBAL_WORK_SIZE",
	KernelExecutionFailure:     "KERNEL_EXECUTION_FAILURE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CL_UNKNOWN_ERROR(%d)", int(c))
}

var (
	// ErrDeviceClosed is returned when work is submitted after Close.
	ErrDeviceClosed = errors.New("device: closed")
	// ErrNoPlatform is returned when no compute platform is registered.
	ErrNoPlatform = errors.New("device: no compute platform available")
	// ErrBufferFreed is returned when a freed device buffer is used.
	ErrBufferFreed = errors.New("device: buffer already freed")
)

// BackendError carries the native status code of a failed backend call.
type BackendError struct {
	Op   string
	Code Code
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s failed with %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("device: %s failed with %s", e.Op, e.Code)
}

func (e *BackendError) Unwrap() error { return e.Err }

func newBackendError(op string, code Code, err error) *BackendError {
	return &BackendError{Op: op, Code: code, Err: err}
}

// IsBackendError reports whether err wraps a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

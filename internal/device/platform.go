package device

import (
	"runtime"
	"sync"
)

// Platform is a compute platform exposing one or more devices and the kernel
// program that runs on them.
type Platform interface {
	Name() string
	Devices() []string
	Program() (Program, error)
}

var (
	platformsMu sync.RWMutex
	platforms   []Platform
)

// Register makes a platform available to New. Platforms are enumerated in
// registration order.
func Register(p Platform) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	platforms = append(platforms, p)
}

// Platforms returns the registered platforms.
func Platforms() []Platform {
	platformsMu.RLock()
	defer platformsMu.RUnlock()
	out := make([]Platform, len(platforms))
	copy(out, platforms)
	return out
}

// HostPlatformName is the name of the built-in multi-threaded host platform.
const HostPlatformName = "host"

type hostPlatform struct{}

func (hostPlatform) Name() string { return HostPlatformName }

func (hostPlatform) Devices() []string {
	return []string{runtime.GOARCH + "-cpu"}
}

func (hostPlatform) Program() (Program, error) {
	return hostProgram, nil
}

func init() {
	Register(hostPlatform{})
}

// Package tlmt sends anonymous usage events. Nothing is sent unless a
// backend is configured.
package tlmt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"maps"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

// Event names
const (
	EventJobSubmitted = "job_submitted"
	EventJobTerminal  = "job_terminal"
	EventStarted      = "service_started"
)

var (
	once       sync.Once
	identifier machineIdentifier
)

type Event struct {
	AnonymousID string
	Name        string
	Properties  map[string]any
}

// NewEvent returns an event carrying the host metadata and props. props win
// over host metadata on key clashes.
func NewEvent(name string, props map[string]any) Event {
	id := generateMachineID()

	ev := Event{
		AnonymousID: id.id,
		Name:        name,
		Properties:  maps.Clone(id.meta),
	}

	if ev.Properties == nil {
		ev.Properties = make(map[string]any, len(props))
	}

	maps.Copy(ev.Properties, props)

	return ev
}

type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type machineIdentifier struct {
	id   string
	meta map[string]any
}

// generateMachineID hashes the host id so the raw value never leaves the machine.
func generateMachineID() machineIdentifier {
	once.Do(func() {
		meta := map[string]any{
			"arch":       runtime.GOARCH,
			"go_version": runtime.Version(),
		}

		seed := ""

		info, err := host.Info()
		if err == nil {
			seed = info.HostID
			meta["os"] = info.OS
			meta["platform"] = info.Platform
			meta["platform_family"] = info.PlatformFamily
			meta["platform_version"] = info.PlatformVersion
		}

		if seed == "" {
			seed = uuid.New().String()
		}

		hash := sha256.New()
		hash.Write([]byte(seed))
		hash.Write([]byte(runtime.GOARCH))
		hash.Write([]byte(runtime.GOOS))

		identifier.id = fmt.Sprintf("%x", hash.Sum(nil))
		identifier.meta = meta
	})

	return identifier
}

package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer closes live calls before the process exits.
type Drainer interface {
	Drain() error
}

type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// EngineVersion is stamped at build time with -ldflags.
var EngineVersion = "dev"

// BannerOutput is where PrintBanner writes; tests silence it.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	tpl := "{{ .Title \"SAWT\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(BannerOutput, true, true, bytes.NewBufferString(tpl))
}

package agent

import (
	"sort"
	"strings"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Factory{}
)

// RegisterHandler installs a named factory for custom agents. A custom
// agent config selects it through the "handler" option. Registering an
// existing name replaces the previous factory.
func RegisterHandler(name string, f Factory) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[name] = f
}

// Handlers returns the registered custom handler names, sorted.
func Handlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// customAgent delegates to a registered handler but always reports the
// custom type, so scheduling and status treat handlers uniformly.
type customAgent struct {
	Agent
}

func (customAgent) Type() string { return TypeCustom }

func newCustomAgent(cfg Config) (Agent, error) {
	name := stringOption(cfg.Options, "handler", "")
	if name == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q needs a handler option naming a registered custom handler", cfg.Name)
	}

	handlersMu.RLock()
	f, ok := handlers[name]
	handlersMu.RUnlock()

	if !ok {
		registered := "none registered"
		if names := Handlers(); len(names) > 0 {
			registered = strings.Join(names, ", ")
		}
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"no custom handler %q (have: %s)", name, registered)
	}

	inner, err := f(cfg)
	if err != nil {
		return nil, err
	}
	return customAgent{Agent: inner}, nil
}

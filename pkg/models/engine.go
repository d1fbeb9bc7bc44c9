package models

import (
	"fmt"
	"strings"
)

// EngineKind identifies one member of the closed set of supported browser engines
type EngineKind string

const (
	EngineChromium EngineKind = "chromium"
	EngineGecko    EngineKind = "gecko"
	EngineWebKit   EngineKind = "webkit"
)

// AllEngines lists every supported engine in its canonical order
var AllEngines = []EngineKind{EngineChromium, EngineGecko, EngineWebKit}

var engineAliases = map[string]EngineKind{
	"chromium": EngineChromium,
	"chrome":   EngineChromium,
	"gecko":    EngineGecko,
	"firefox":  EngineGecko,
	"webkit":   EngineWebKit,
	"safari":   EngineWebKit,
}

// Valid reports whether k belongs to the supported set
func (k EngineKind) Valid() bool {
	switch k {
	case EngineChromium, EngineGecko, EngineWebKit:
		return true
	}
	return false
}

func (k EngineKind) String() string {
	return string(k)
}

// ParseEngineKind maps an engine or browser name to its EngineKind.
// Unknown names are returned verbatim so the runner can report them as unsupported.
func ParseEngineKind(name string) EngineKind {
	key := strings.ToLower(strings.TrimSpace(name))
	if kind, ok := engineAliases[key]; ok {
		return kind
	}
	return EngineKind(key)
}

// ParseEngineList splits a comma separated list of engine names
func ParseEngineList(list string) ([]EngineKind, error) {
	var kinds []EngineKind
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kinds = append(kinds, ParseEngineKind(part))
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no engines in %q", list)
	}
	return kinds, nil
}

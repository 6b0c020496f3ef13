package turn

import "strings"

// Strategy decides whether callers may pre-empt the assistant.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

// PoliteStrategy lets the assistant finish; utterances arriving while it
// thinks or speaks are dropped.
type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

// StrategyByName maps a config value onto a Strategy; anything unknown is aggressive.
func StrategyByName(name string) Strategy {
	if strings.EqualFold(strings.TrimSpace(name), "polite") {
		return PoliteStrategy{}
	}
	return AggressiveStrategy{}
}

package orchestrator

import (
	"context"

	"github.com/shehryarbajwa/uiregress/internal/display"
)

// Displays starts sessions on a display manager
func Displays(m *display.Manager) SessionStarter {
	return StarterFunc(func(ctx context.Context) (Session, error) {
		s, err := m.Start(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

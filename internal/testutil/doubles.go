package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/core-coin/mealpass/internal/models"
)

// Alerter records operator alerts.
type Alerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *Alerter) Alert(_ context.Context, subject string, _ ...interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func (a *Alerter) Subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

// Notifier is a testify mock of models.NotificationService.
type Notifier struct {
	mock.Mock
}

func (n *Notifier) Deliver(ctx context.Context, msg *models.Message) error {
	args := n.Called(ctx, msg)
	return args.Error(0)
}

// DeliveredTo returns the customer ids of every Deliver call.
func (n *Notifier) DeliveredTo() []string {
	var out []string
	for _, call := range n.Calls {
		if call.Method == "Deliver" {
			out = append(out, call.Arguments.Get(1).(*models.Message).CustomerID)
		}
	}
	return out
}

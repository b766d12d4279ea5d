package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	tandascommand "github.com/goliatone/go-tandas/command"
	"github.com/goliatone/go-tandas/core"
	tandasquery "github.com/goliatone/go-tandas/query"
)

// Subscriptions groups dispatcher subscriptions so they can be released
// together on shutdown.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterTandaHandlers registers and subscribes every tandas command and
// query against service. On error, subscriptions made so far are released.
func RegisterTandaHandlers(
	registry *HandlerRegistry,
	service core.TandaService,
	runnerOpts ...runner.Option,
) (Subscriptions, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: tanda service is required")
	}
	var subs Subscriptions
	track := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	steps := []func() error{
		func() error {
			return track(registerCommand(registry, tandascommand.NewCreateTandaCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewJoinTandaCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewInitiateContributionCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewInitiatePayoutCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewCompletePaymentCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewCancelSagaCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewExpireSagasCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewEvaluateRoundCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerCommand(registry, tandascommand.NewUpdateWalletCommand(service), runnerOpts...))
		},
		func() error {
			return track(registerQuery(registry, tandasquery.NewGetTandaStatusQuery(service), runnerOpts...))
		},
		func() error {
			return track(registerQuery(registry, tandasquery.NewListTandasQuery(service), runnerOpts...))
		},
		func() error {
			return track(registerQuery(registry, tandasquery.NewResolveWalletQuery(service), runnerOpts...))
		},
		func() error {
			return track(registerQuery(registry, tandasquery.NewListPaymentsQuery(service), runnerOpts...))
		},
		func() error {
			return track(registerQuery(registry, tandasquery.NewGetSagaQuery(service), runnerOpts...))
		},
		func() error {
			return track(registerQuery(registry, tandasquery.NewListPendingContributorsQuery(service), runnerOpts...))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

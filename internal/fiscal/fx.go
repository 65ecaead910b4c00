package fiscal

import (
	"github.com/corretora/backoffice/internal/fiscal/adapters"
	"github.com/corretora/backoffice/internal/fiscal/adapters/httpjson"
	"github.com/corretora/backoffice/internal/fiscal/adapters/sandbox"
	"github.com/corretora/backoffice/internal/fiscal/providers"
	"github.com/corretora/backoffice/internal/fiscal/repository"
	"github.com/corretora/backoffice/internal/fiscal/service"
	"github.com/corretora/backoffice/internal/fiscal/statusalias"
	"github.com/corretora/backoffice/internal/fiscal/webhook"
	"github.com/corretora/backoffice/internal/fiscal/worker"
	"go.uber.org/fx"
)

var Module = fx.Module("fiscal",
	fx.Provide(
		newRegistry,
		statusalias.NewHolder,
		repository.Provide,
		service.NewService,
		webhook.New,
	),
	providers.Module,
	worker.Module,
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		sandbox.NewFactory(),
		httpjson.NewFactory(),
	)
}

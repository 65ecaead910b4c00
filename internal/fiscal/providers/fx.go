package providers

import (
	"github.com/corretora/backoffice/internal/fiscal/providers/repository"
	"github.com/corretora/backoffice/internal/fiscal/providers/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fiscalprovider.service",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)

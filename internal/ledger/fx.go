package ledger

import (
	"github.com/corretora/backoffice/internal/ledger/repository"
	"github.com/corretora/backoffice/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

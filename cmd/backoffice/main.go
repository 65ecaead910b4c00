package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/clock"
	"github.com/corretora/backoffice/internal/config"
	"github.com/corretora/backoffice/internal/fiscal"
	"github.com/corretora/backoffice/internal/ledger"
	"github.com/corretora/backoffice/internal/migration"
	"github.com/corretora/backoffice/internal/observability"
	"github.com/corretora/backoffice/internal/server"
	"github.com/corretora/backoffice/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		ledger.Module,
		fiscal.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

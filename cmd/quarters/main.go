package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/quartershq/quarters/internal/config"
	"github.com/quartershq/quarters/internal/logger"
	"github.com/quartershq/quarters/internal/server"
	"github.com/quartershq/quarters/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
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

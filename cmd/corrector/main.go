package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/mooose/corrector/internal/clock"
	"github.com/mooose/corrector/internal/server"
)

func main() {
	app := fx.New(
		fx.Provide(newSnowflakeNode),
		clock.Module,
		server.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genquota/internal/clock"
	"github.com/smallbiznis/genquota/internal/config"
	"github.com/smallbiznis/genquota/internal/maintenance"
	"github.com/smallbiznis/genquota/internal/migration"
	"github.com/smallbiznis/genquota/internal/observability"
	"github.com/smallbiznis/genquota/internal/server"
	"github.com/smallbiznis/genquota/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var snowflakeNode int64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			config.Module,
			observability.Module,
			fx.Provide(RegisterSnowflake),
			db.Module,
			clock.Module,
			migration.Module,
			server.Module,
			maintenance.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().Int64Var(&snowflakeNode, "node-id", 1, "snowflake node id for generated row ids (0-1023)")
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(snowflakeNode)
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "dunning",
		EnableShellCompletion: true,
		Usage:                 "Evaluate collection campaigns and dispatch scheduled actions",
		Commands: []*cli.Command{
			newServeCommand(),
			newWorkerCommand(),
			newEvaluateCommand(),
			newDispatchCommand(),
			newMigrateCommand(),
			newSeedCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

package cmds

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// EnvPrefix is the prefix of environment variables overriding any flag,
// e.g. RISKS_REDIS_ADDR.
const EnvPrefix = "RISKS"

func NewRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:          "risks",
		Short:        "risks serves the risk tracking extension",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.InitLoggerFromCobra(cmd)
		},
	}
	if err := clay.InitGlazed("risks", root); err != nil {
		return nil, errors.Wrap(err, "init glazed")
	}
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	serve, err := NewServeCommand()
	if err != nil {
		return nil, err
	}
	announce, err := NewAnnounceCommand()
	if err != nil {
		return nil, err
	}
	config, err := NewConfigCommand()
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.WriterCommand{serve, announce, config} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
		if err != nil {
			return nil, errors.Wrap(err, "build cobra command")
		}
		root.AddCommand(cobraCmd)
	}
	return root, nil
}

// getMiddlewares resolves flags, then RISKS_* environment variables, then defaults.
func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

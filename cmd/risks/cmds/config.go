package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"

	"github.com/go-go-golems/risks/pkg/config"
)

type ConfigCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ConfigCommand)(nil)

func NewConfigCommand() (*ConfigCommand, error) {
	sections, err := config.Sections()
	if err != nil {
		return nil, err
	}
	return &ConfigCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config",
			cmds.WithShort("Print the effective configuration as YAML"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ConfigCommand) RunIntoWriter(_ context.Context, parsed *values.Values, w io.Writer) error {
	s, err := config.FromValues(parsed)
	if err != nil {
		return err
	}
	b, err := s.YAML()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/risks/pkg/config"
	"github.com/go-go-golems/risks/pkg/risks"
	"github.com/go-go-golems/risks/pkg/signals"
)

// AnnounceCommand fires status_changed once. Receivers in a running server
// only see it when both sides use the redis transport.
type AnnounceCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*AnnounceCommand)(nil)

type AnnounceSettings struct {
	ObjectType string `glazed:"object-type"`
	ObjectID   string `glazed:"object-id"`
	ChangedBy  string `glazed:"changed-by"`
	Old        string `glazed:"old"`
	New        string `glazed:"new"`
	Sender     string `glazed:"sender"`
	Print      string `glazed:"print"`
}

const (
	printAuto = "auto"
	printText = "text"
	printJSON = "json"
)

func NewAnnounceCommand() (*AnnounceCommand, error) {
	sigs, err := signals.NewSection()
	if err != nil {
		return nil, err
	}
	rs, err := config.NewRisksSection()
	if err != nil {
		return nil, err
	}
	statuses := make([]string, 0, len(risks.Statuses()))
	for _, s := range risks.Statuses() {
		statuses = append(statuses, string(s))
	}
	return &AnnounceCommand{
		CommandDescription: cmds.NewCommandDescription(
			"announce",
			cmds.WithShort("Announce a risk status change on the status_changed signal"),
			cmds.WithLong(fmt.Sprintf("Statuses (case-insensitive): %v", statuses)),
			cmds.WithFlags(
				fields.New("object-type", fields.TypeString,
					fields.WithDefault(risks.DefaultObjectType),
					fields.WithHelp("Type of the changed object")),
				fields.New("object-id", fields.TypeString,
					fields.WithHelp("Id of the changed object"),
					fields.WithRequired(true)),
				fields.New("changed-by", fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Who made the change")),
				fields.New("old", fields.TypeString,
					fields.WithHelp("Previous status"),
					fields.WithRequired(true)),
				fields.New("new", fields.TypeString,
					fields.WithHelp("New status"),
					fields.WithRequired(true)),
				fields.New("sender", fields.TypeString,
					fields.WithDefault("cli"),
					fields.WithHelp("Sender recorded on the signal")),
				fields.New("print", fields.TypeChoice,
					fields.WithChoices(printAuto, printText, printJSON),
					fields.WithDefault(printAuto),
					fields.WithHelp("How to print the announced change (auto is text on a terminal, json otherwise)")),
			),
			cmds.WithSections(sigs, rs),
		),
	}, nil
}

func (c *AnnounceCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s, err := config.FromValues(parsed)
	if err != nil {
		return err
	}
	a := AnnounceSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, &a); err != nil {
		return errors.Wrap(err, "decode announce settings")
	}
	return runAnnounce(ctx, s, a, w)
}

func runAnnounce(ctx context.Context, s *config.Settings, a AnnounceSettings, w io.Writer) error {
	change := risks.StatusChange{
		ObjectType: a.ObjectType,
		ObjectID:   a.ObjectID,
		ChangedBy:  a.ChangedBy,
	}
	var err error
	if change.Old, err = risks.ParseStatus(a.Old); err != nil {
		return errors.Wrap(err, "--old")
	}
	if change.New, err = risks.ParseStatus(a.New); err != nil {
		return errors.Wrap(err, "--new")
	}
	change = change.Normalize(time.Now())
	if err := change.Validate(); err != nil {
		return err
	}

	if !s.Signals.RedisEnabled {
		log.Warn().Msg("redis transport disabled; the announcement stays in this process")
	}
	ext, err := NewExtension(s)
	if err != nil {
		return err
	}
	defer func() { _ = ext.Close() }()

	if err := ext.AnnounceStatusChange(ctx, a.Sender, change); err != nil {
		return err
	}
	return printChange(w, a.Print, change)
}

func printChange(w io.Writer, mode string, change risks.StatusChange) error {
	if mode == "" || mode == printAuto {
		mode = printJSON
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			mode = printText
		}
	}
	switch mode {
	case printText:
		_, err := fmt.Fprintf(w, "announced %s %s: %s -> %s\n", change.ObjectType, change.ObjectID, change.Old, change.New)
		return err
	case printJSON:
		enc := json.NewEncoder(w)
		return enc.Encode(change)
	default:
		return errors.Errorf("unknown print mode %q", mode)
	}
}

package config

import (
	"bytes"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/risks/pkg/signals"
)

const (
	ServerSlug = "server"
	RisksSlug  = "risks"
)

// Settings is the full configuration of the risks server.
type Settings struct {
	Server  ServerSettings   `yaml:"server"`
	Signals signals.Settings `yaml:"signals"`
	Risks   RisksSettings    `yaml:"risks"`
}

type ServerSettings struct {
	Addr                     string `glazed:"addr" yaml:"addr"`
	ReadHeaderTimeoutSeconds int    `glazed:"read-header-timeout-seconds" yaml:"read-header-timeout-seconds"`
	ReadTimeoutSeconds       int    `glazed:"read-timeout-seconds" yaml:"read-timeout-seconds"`
	WriteTimeoutSeconds      int    `glazed:"write-timeout-seconds" yaml:"write-timeout-seconds"`
	IdleTimeoutSeconds       int    `glazed:"idle-timeout-seconds" yaml:"idle-timeout-seconds"`
	ShutdownTimeoutSeconds   int    `glazed:"shutdown-timeout-seconds" yaml:"shutdown-timeout-seconds"`
}

func (s ServerSettings) ReadHeaderTimeout() time.Duration { return seconds(s.ReadHeaderTimeoutSeconds) }
func (s ServerSettings) ReadTimeout() time.Duration       { return seconds(s.ReadTimeoutSeconds) }
func (s ServerSettings) WriteTimeout() time.Duration      { return seconds(s.WriteTimeoutSeconds) }
func (s ServerSettings) IdleTimeout() time.Duration       { return seconds(s.IdleTimeoutSeconds) }
func (s ServerSettings) ShutdownTimeout() time.Duration   { return seconds(s.ShutdownTimeoutSeconds) }

type RisksSettings struct {
	URLPrefix string `glazed:"url-prefix" yaml:"url-prefix"`
	// 0 keeps the stream forwarder connected while no client is attached.
	StreamIdleTimeoutSeconds  int `glazed:"stream-idle-timeout-seconds" yaml:"stream-idle-timeout-seconds"`
	StreamWriteTimeoutSeconds int `glazed:"stream-write-timeout-seconds" yaml:"stream-write-timeout-seconds"`
	StreamClientQueue         int `glazed:"stream-client-queue" yaml:"stream-client-queue"`
}

func (s RisksSettings) StreamIdleTimeout() time.Duration { return seconds(s.StreamIdleTimeoutSeconds) }
func (s RisksSettings) StreamWriteTimeout() time.Duration {
	return seconds(s.StreamWriteTimeoutSeconds)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func Default() *Settings {
	return &Settings{
		Server: ServerSettings{
			Addr:                     ":8080",
			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       30,
			WriteTimeoutSeconds:      60,
			IdleTimeoutSeconds:       120,
			ShutdownTimeoutSeconds:   30,
		},
		Signals: signals.DefaultSettings(),
		Risks: RisksSettings{
			URLPrefix:                 "/risks",
			StreamIdleTimeoutSeconds:  60,
			StreamWriteTimeoutSeconds: 5,
			StreamClientQueue:         16,
		},
	}
}

// NewServerSection returns the section definition for the HTTP server.
func NewServerSection() (schema.Section, error) {
	d := Default().Server
	return schema.NewSection(
		ServerSlug,
		"HTTP server",
		schema.WithFields(
			fields.New("addr", fields.TypeString,
				fields.WithDefault(d.Addr),
				fields.WithHelp("HTTP listen address")),
			fields.New("read-header-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.ReadHeaderTimeoutSeconds),
				fields.WithHelp("Time allowed to read request headers")),
			fields.New("read-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.ReadTimeoutSeconds),
				fields.WithHelp("Time allowed to read a whole request")),
			fields.New("write-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.WriteTimeoutSeconds),
				fields.WithHelp("Time allowed to write a response")),
			fields.New("idle-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.IdleTimeoutSeconds),
				fields.WithHelp("Keep-alive idle timeout")),
			fields.New("shutdown-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.ShutdownTimeoutSeconds),
				fields.WithHelp("Grace period for in-flight requests on shutdown")),
		),
	)
}

// NewRisksSection returns the section definition for the risks extension.
func NewRisksSection() (schema.Section, error) {
	d := Default().Risks
	return schema.NewSection(
		RisksSlug,
		"Risks extension",
		schema.WithFields(
			fields.New("url-prefix", fields.TypeString,
				fields.WithDefault(d.URLPrefix),
				fields.WithHelp("Mount point of the risks blueprint")),
			fields.New("stream-idle-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.StreamIdleTimeoutSeconds),
				fields.WithHelp("Disconnect the status stream forwarder after this long without clients (0 keeps it)")),
			fields.New("stream-write-timeout-seconds", fields.TypeInteger,
				fields.WithDefault(d.StreamWriteTimeoutSeconds),
				fields.WithHelp("Write deadline for status stream frames")),
			fields.New("stream-client-queue", fields.TypeInteger,
				fields.WithDefault(d.StreamClientQueue),
				fields.WithHelp("Frames buffered per stream client before it is dropped")),
		),
	)
}

// Sections returns every section FromValues reads.
func Sections() ([]schema.Section, error) {
	server, err := NewServerSection()
	if err != nil {
		return nil, errors.Wrap(err, "server section")
	}
	sigs, err := signals.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "signals section")
	}
	rs, err := NewRisksSection()
	if err != nil {
		return nil, errors.Wrap(err, "risks section")
	}
	return []schema.Section{server, sigs, rs}, nil
}

// FromValues decodes the parsed sections over the defaults and validates the
// result. Sections missing from parsed keep their defaults.
func FromValues(parsed *values.Values) (*Settings, error) {
	s := Default()
	if parsed != nil {
		if err := parsed.DecodeSectionInto(ServerSlug, &s.Server); err != nil {
			return nil, errors.Wrap(err, "decode server settings")
		}
		if err := parsed.DecodeSectionInto(signals.SectionSlug, &s.Signals); err != nil {
			return nil, errors.Wrap(err, "decode signal settings")
		}
		if err := parsed.DecodeSectionInto(RisksSlug, &s.Risks); err != nil {
			return nil, errors.Wrap(err, "decode risks settings")
		}
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Server.Addr) == "" {
		return errors.New("server.addr is empty")
	}
	for name, v := range map[string]int{
		"read-header-timeout-seconds": s.Server.ReadHeaderTimeoutSeconds,
		"read-timeout-seconds":        s.Server.ReadTimeoutSeconds,
		"write-timeout-seconds":       s.Server.WriteTimeoutSeconds,
		"idle-timeout-seconds":        s.Server.IdleTimeoutSeconds,
		"shutdown-timeout-seconds":    s.Server.ShutdownTimeoutSeconds,
	} {
		if v < 0 {
			return errors.Errorf("server.%s must not be negative", name)
		}
	}
	if s.Signals.RedisEnabled && strings.TrimSpace(s.Signals.RedisAddr) == "" {
		return errors.New("signals.redis-addr is required when redis is enabled")
	}
	if s.Signals.OutputBuffer < 0 {
		return errors.New("signals.output-buffer must not be negative")
	}
	if p := s.Risks.URLPrefix; p != "" && !strings.HasPrefix(p, "/") {
		return errors.Errorf("risks.url-prefix %q must start with /", p)
	}
	if s.Risks.StreamIdleTimeoutSeconds < 0 || s.Risks.StreamWriteTimeoutSeconds < 0 {
		return errors.New("risks stream timeouts must not be negative")
	}
	if s.Risks.StreamClientQueue < 0 {
		return errors.New("risks.stream-client-queue must not be negative")
	}
	return nil
}

// YAML renders the settings, used by the config command.
func (s *Settings) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

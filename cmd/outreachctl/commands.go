// cmd/outreachctl/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/outreach-backend/internal/app"
	"github.com/unclebandit/outreach-backend/internal/config"
	"github.com/unclebandit/outreach-backend/internal/db"
	"github.com/unclebandit/outreach-backend/internal/discovery"
	"github.com/unclebandit/outreach-backend/internal/logging"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/repository"
	"github.com/unclebandit/outreach-backend/internal/service"
)

type cli struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "outreachctl",
		Short:         "Operate the outreach backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv(c.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Level, "console")
			if err != nil {
				return err
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to config file")

	root.AddCommand(c.migrateCmd(), c.seedCmd(), c.discoverCmd(), c.previewCmd())
	return root
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := db.Open(cmd.Context(), c.cfg.Database.DSN(), c.logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func (c *cli) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <contacts.yaml>...",
		Short: "Upsert contacts from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(cmd.Context(), c.cfg.Database.DSN(), c.logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			store := repository.NewPostgres(conn)

			for _, path := range args {
				candidates, err := loadSeed(path)
				if err != nil {
					return err
				}
				n, err := seedContacts(cmd.Context(), store, candidates)
				if err != nil {
					return fmt.Errorf("seed %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded: %s (%d contacts)\n", path, n)
			}
			return nil
		},
	}
}

type seedFile struct {
	Contacts []discovery.Candidate `yaml:"contacts"`
}

func loadSeed(path string) ([]discovery.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return discovery.Dedupe(f.Contacts), nil
}

func seedContacts(ctx context.Context, store repository.ContactRepositoryInterface, candidates []discovery.Candidate) (int, error) {
	for i, cand := range candidates {
		contact := cand.Contact()
		if err := store.UpsertContact(ctx, &contact); err != nil {
			return i, err
		}
	}
	return len(candidates), nil
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <topic>",
		Short: "Print the contacts discovery finds for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := app.Discovery(c.cfg.Discovery, c.logger)
			if err != nil {
				return err
			}
			found, err := src.Discover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), discovery.Dedupe(found))
		},
	}
}

func (c *cli) previewCmd() *cobra.Command {
	var req service.PreviewRequest
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Generate one email without sending it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			composer, err := app.Composer(cmd.Context(), c.cfg.Generator, c.logger)
			if err != nil {
				return err
			}
			svc := service.NewCampaignService(nil, nil, composer, nil, service.Config{
				DefaultSender: model.SenderIdentity{Name: c.cfg.Generator.DefaultSender, Title: c.cfg.Generator.DefaultTitle},
			}, c.logger)
			content, err := svc.Preview(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), content)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Company, "company", "", "company pitching the story")
	f.StringVar(&req.Topic, "topic", "", "story topic")
	f.StringVar(&req.Name, "name", "", "journalist name")
	f.StringVar(&req.Publication, "publication", "", "journalist publication")
	f.StringVar(&req.Article, "article", "", "recent article title")
	f.StringVar(&req.SenderName, "sender-name", "", "sender name")
	f.StringVar(&req.SenderTitle, "sender-title", "", "sender title")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

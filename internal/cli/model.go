package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/registry"
)

// NewModelCommand creates the model command group.
func NewModelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the model registry",
	}
	cmd.AddCommand(newModelAddCommand(rootOpts))
	cmd.AddCommand(newModelListCommand(rootOpts))
	cmd.AddCommand(newModelRemoveCommand(rootOpts))
	cmd.AddCommand(newModelLoadCommand(rootOpts))
	return cmd
}

func newModelAddCommand(rootOpts *RootOptions) *cobra.Command {
	var m registry.Model

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a model",
		Long: `Register a model offered by a configured provider.

Examples:
  convo model add gpt-4o --provider openai
  convo model add sonnet --provider anthropic --name claude-3-5-sonnet-latest --max-tokens 8192`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m.ID = args[0]
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.Registry().PutModel(ctx, m); err != nil {
					return out.Fail("failed to save model", err)
				}
				saved, err := ws.Registry().GetModel(ctx, m.ID)
				if err != nil {
					return out.Fail("failed to read model", err)
				}
				return out.Emit(saved, func(w io.Writer) {
					fmt.Fprintf(w, "Saved model %s (%s via %s)\n", saved.ID, saved.Name, saved.ProviderID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&m.ProviderID, "provider", "", "provider ID (required)")
	cmd.Flags().StringVar(&m.Name, "name", "", "model name sent to the provider (default: the ID)")
	cmd.Flags().StringVar(&m.DisplayName, "display-name", "", "human-readable name")
	cmd.Flags().IntVar(&m.MaxTokens, "max-tokens", 0, "completion token limit (0 for the provider default)")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newModelListCommand(rootOpts *RootOptions) *cobra.Command {
	var providerID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				models, err := ws.Registry().ListModels(ctx, providerID)
				if err != nil {
					return out.Fail("failed to list models", err)
				}
				return out.Emit(models, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tPROVIDER\tNAME\tMAX TOKENS")
					for _, m := range models {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", m.ID, m.ProviderID, m.Name, m.MaxTokens)
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "only models of this provider")
	return cmd
}

func newModelRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.Registry().DeleteModel(ctx, args[0]); err != nil {
					return out.Fail("failed to remove model", err)
				}
				return out.Emit(map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Removed model %s\n", args[0])
				})
			})
		},
	}
}

// RegistryFile is the YAML document accepted by "model load".
type RegistryFile struct {
	Providers []registry.Provider `yaml:"providers"`
	Models    []registry.Model    `yaml:"models"`
}

func newModelLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Register providers and models from a YAML file",
		Long: `Register every provider and model listed in a YAML file.
Providers are saved first so models may refer to them.

Example file:
  providers:
    - id: openai
      name: OpenAI
      type: openai
  models:
    - id: gpt-4o
      provider_id: openai
      name: gpt-4o`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadRegistryFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load registry file", err)
			}
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				for _, p := range f.Providers {
					if err := putProvider(ctx, ws.Registry(), p); err != nil {
						return out.Fail(fmt.Sprintf("failed to save provider %s", p.ID), err)
					}
				}
				for _, m := range f.Models {
					if err := ws.Registry().PutModel(ctx, m); err != nil {
						return out.Fail(fmt.Sprintf("failed to save model %s", m.ID), err)
					}
				}
				summary := map[string]int{"providers": len(f.Providers), "models": len(f.Models)}
				return out.Emit(summary, func(w io.Writer) {
					fmt.Fprintf(w, "Loaded %d provider(s) and %d model(s)\n", len(f.Providers), len(f.Models))
				})
			})
		},
	}
}

func loadRegistryFile(path string) (RegistryFile, error) {
	var f RegistryFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return f, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// NewProviderCommand creates the provider command group.
func NewProviderCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage completion providers",
	}
	cmd.AddCommand(newProviderAddCommand(rootOpts))
	cmd.AddCommand(newProviderListCommand(rootOpts))
	cmd.AddCommand(newProviderRemoveCommand(rootOpts))
	return cmd
}

func newProviderAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		p   registry.Provider
		typ string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a provider",
		Long: `Register a completion provider.

Without --api-key the key comes from the config file or environment
(OPENAI_API_KEY, ANTHROPIC_API_KEY) when the provider is used.

Examples:
  convo provider add openai --type openai
  convo provider add local --type openai --base-url http://localhost:11434/v1
  convo provider add anthropic --type anthropic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			p.Type = provider.Type(typ)
			if p.Name == "" {
				p.Name = p.ID
			}
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := putProvider(ctx, ws.Registry(), p); err != nil {
					return out.Fail("failed to save provider", err)
				}
				return out.Emit(p, func(w io.Writer) {
					fmt.Fprintf(w, "Saved provider %s (%s)\n", p.ID, p.Type)
				})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "provider type (openai|anthropic|echo)")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name (default: the ID)")
	cmd.Flags().StringVar(&p.BaseURL, "base-url", "", "API base URL override")
	cmd.Flags().StringVar(&p.APIKey, "api-key", "", "API key stored in the registry")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// putProvider rejects unknown provider types before saving.
func putProvider(ctx context.Context, reg *registry.Registry, p registry.Provider) error {
	switch p.Type {
	case provider.TypeOpenAI, provider.TypeAnthropic, provider.TypeEcho:
	default:
		return ir.NewError(ir.ErrCodeValidation, "cli.provider_add", "", fmt.Errorf("unknown provider type %q", p.Type))
	}
	return reg.PutProvider(ctx, p)
}

func newProviderListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				providers, err := ws.Registry().ListProviders(ctx)
				if err != nil {
					return out.Fail("failed to list providers", err)
				}
				return out.Emit(providers, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTYPE\tNAME\tBASE URL")
					for _, p := range providers {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Type, p.Name, p.BaseURL)
					}
					tw.Flush()
				})
			})
		},
	}
}

func newProviderRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.Registry().DeleteProvider(ctx, args[0]); err != nil {
					return out.Fail("failed to remove provider", err)
				}
				return out.Emit(map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Removed provider %s\n", args[0])
				})
			})
		},
	}
}

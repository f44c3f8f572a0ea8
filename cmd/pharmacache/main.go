// Package main is the entry point for the pharmacache CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pharmadesk/pharmacache/internal/config"
	"github.com/pharmadesk/pharmacache/internal/store"
	"github.com/pharmadesk/pharmacache/pkg/chat"
	"github.com/pharmadesk/pharmacache/pkg/logger"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// app carries shared state built once per invocation.
type app struct {
	cfg     *config.Config
	manager *store.Manager
	log     *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:     "pharmacache",
		Short:   "Local pharmacy reference cache",
		Long:    "Offline cache for the pharmacy assistant: formulary lookups, conversation history and cash closures, persisted to a single database file.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}

	rootCmd.AddCommand(newImportCmd(a))
	rootCmd.AddCommand(newSearchCmd(a))
	rootCmd.AddCommand(newPackCmd(a))
	rootCmd.AddCommand(newDosageCmd(a))
	rootCmd.AddCommand(newClosureCmd(a))
	rootCmd.AddCommand(newConversationCmd(a))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func (a *app) setup() error {
	cfg, path, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	a.cfg = cfg
	a.log = logger.New(cfg.Log)
	a.manager = store.NewFileManager(cfg.DatabasePath())
	return nil
}

func (a *app) teardown() {
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			a.log.Warn("close database", "error", err)
		}
	}
}

// newImportCmd imports formulary datasets from JSON files.
func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import formulary datasets",
	}

	kinds := []struct {
		use   string
		short string
		run   func(ctx context.Context, repo *store.FormularyRepository, path string) (int, error)
	}{
		{
			use:   "products [file]",
			short: "Import drug products from a JSON file",
			run: func(ctx context.Context, repo *store.FormularyRepository, path string) (int, error) {
				var rows []store.Product
				if err := readJSONFile(path, &rows); err != nil {
					return 0, err
				}
				return repo.ImportProducts(ctx, rows), nil
			},
		},
		{
			use:   "compositions [file]",
			short: "Import product compositions from a JSON file",
			run: func(ctx context.Context, repo *store.FormularyRepository, path string) (int, error) {
				var rows []store.Composition
				if err := readJSONFile(path, &rows); err != nil {
					return 0, err
				}
				return repo.ImportCompositions(ctx, rows), nil
			},
		},
		{
			use:   "presentations [file]",
			short: "Import pack presentations from a JSON file",
			run: func(ctx context.Context, repo *store.FormularyRepository, path string) (int, error) {
				var rows []store.Presentation
				if err := readJSONFile(path, &rows); err != nil {
					return 0, err
				}
				return repo.ImportPresentations(ctx, rows), nil
			},
		},
		{
			use:   "dosages [file]",
			short: "Import dosage references from a JSON file",
			run: func(ctx context.Context, repo *store.FormularyRepository, path string) (int, error) {
				var rows []store.DosageReference
				if err := readJSONFile(path, &rows); err != nil {
					return 0, err
				}
				return repo.ImportDosageReferences(ctx, rows), nil
			},
		},
	}

	for _, k := range kinds {
		k := k
		cmd.AddCommand(&cobra.Command{
			Use:   k.use,
			Short: k.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				repo := store.NewFormularyRepository(a.manager, a.log)
				n, err := k.run(cmd.Context(), repo, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("imported %d rows\n", n)
				return nil
			},
		})
	}

	return cmd
}

// newSearchCmd searches the formulary by name or active ingredient.
func newSearchCmd(a *app) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search drugs by name or active ingredient",
		Example: `  pharmacache search doliprane
  pharmacache search "paracetamol" --limit 5 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewFormularyRepository(a.manager, a.log)
			results := repo.Search(cmd.Context(), args[0], limit)
			if jsonOutput {
				return printJSON(results)
			}
			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CIS\tNAME\tFORM\tINGREDIENT")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.CISCode, r.Name, r.PharmaceuticalForm, r.ActiveIngredient)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", store.DefaultSearchLimit, "Maximum number of results")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	return cmd
}

// newPackCmd resolves a scanned pack code.
func newPackCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack [code]",
		Short: "Look up a product by CIP13 or CIP7 pack code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewFormularyRepository(a.manager, a.log)
			detail := repo.SearchByPackCode(cmd.Context(), args[0])
			if detail == nil {
				fmt.Println("no product found")
				return nil
			}
			return printJSON(detail)
		},
	}
	return cmd
}

// newDosageCmd looks up a dosage reference by ingredient name.
func newDosageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dosage [ingredient]",
		Short: "Look up the dosage reference for an active ingredient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewFormularyRepository(a.manager, a.log)
			ref := repo.DosageForIngredient(cmd.Context(), args[0])
			if ref == nil {
				fmt.Println("no dosage reference found")
				return nil
			}
			return printJSON(ref)
		},
	}
	return cmd
}

// newClosureCmd manages cash register closures.
func newClosureCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "closures",
		Short: "Manage cash register closures",
	}

	var from, to string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List closures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewClosureRepository(a.manager, a.log)
			closures := repo.List(cmd.Context(), from, to)
			if len(closures) == 0 {
				fmt.Println("no closures")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tCOINS\tPREV FLOAT\tTARGET\tNOTES")
			for _, c := range closures {
				fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%s\n", c.Date, c.CoinTotal, c.PreviousFloat, c.TargetFloat, c.Notes)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&from, "from", "", "Earliest date, inclusive (YYYY-MM-DD)")
	listCmd.Flags().StringVar(&to, "to", "", "Latest date, inclusive (YYYY-MM-DD)")

	getCmd := &cobra.Command{
		Use:   "get [date]",
		Short: "Show the closure for a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewClosureRepository(a.manager, a.log)
			c := repo.GetByDate(cmd.Context(), args[0])
			if c == nil {
				fmt.Println("no closure for that date")
				return nil
			}
			return printJSON(c)
		},
	}

	saveCmd := &cobra.Command{
		Use:   "save [file]",
		Short: "Save a closure from a JSON file (upserts by date)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c store.CashClosure
			if err := readJSONFile(args[0], &c); err != nil {
				return err
			}
			repo := store.NewClosureRepository(a.manager, a.log)
			saved := repo.Save(cmd.Context(), c)
			if saved == nil {
				return fmt.Errorf("closure not saved")
			}
			return printJSON(saved)
		},
	}

	cmd.AddCommand(listCmd, getCmd, saveCmd)
	return cmd
}

// newConversationCmd manages assistant conversation history.
func newConversationCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage assistant conversation history",
	}

	var includeArchived bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, pinned first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewConversationRepository(a.manager, a.log)
			convs := repo.List(cmd.Context(), includeArchived)
			if len(convs) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tPROVIDER\tMODEL")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Title, c.Provider, c.Model)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().BoolVar(&includeArchived, "archived", false, "Include archived conversations")

	exportCmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export a conversation transcript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewConversationRepository(a.manager, a.log)
			svc := chat.NewService(repo)
			out, err := svc.ExportTranscript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := store.NewConversationRepository(a.manager, a.log)
			if !repo.Delete(cmd.Context(), args[0]) {
				return fmt.Errorf("conversation not found: %s", args[0])
			}
			fmt.Println("deleted")
			return nil
		},
	}

	cmd.AddCommand(listCmd, exportCmd, deleteCmd)
	return cmd
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-ingest/internal/app"
	"github.com/dvloznov/statement-ingest/internal/config"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app.App, args []string) error
}

var commands = map[string]command{
	"ingest":          {"Upload, process and optionally confirm a statement in one go", runIngest},
	"upload":          {"Upload a statement file", runUpload},
	"process":         {"Run extraction for an upload", runProcess},
	"preview":         {"Show what confirming an upload would write", runPreview},
	"confirm":         {"Link an upload to an account and write its rows", runConfirm},
	"qc":              {"Run the quality check for an upload", runQualityCheck},
	"fix":             {"Trigger a fix attempt for a failed quality check", runFix},
	"resolve-check":   {"Resolve a quality check by hand", runResolveCheck},
	"revert":          {"Remove the rows written for an upload", runRevert},
	"inspect":         {"Show an upload and the rows written for it", runInspect},
	"settings":        {"Show or change oracle settings", runSettings},
	"resolve-failure": {"Resolve an extraction failure (operator only)", runResolveFailure},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "help", "-h", "--help":
		printUsage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("INGEST_CONFIG"))
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.NewFromConfig(cfg.Log.Format, cfg.Log.Level)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.OperationTimeout+time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := run(ctx, log, cfg, cmd, os.Args[2:]); err != nil {
		log.Error().Err(err).Str("command", name).Msg("Command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, log zerolog.Logger, cfg *config.Config, cmd command, args []string) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if serr := a.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Msg("Error during shutdown")
		}
	}()

	return cmd.run(ctx, a, args)
}

func printUsage() {
	fmt.Println("Statement Ingest CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-16s %s\n", name, commands[name].usage)
	}
	fmt.Println("  help             Show this help message")
	fmt.Println("\nConfiguration is read from ./config.yaml (or $INGEST_CONFIG) and INGEST_* variables.")
	fmt.Println("Run 'cli <command> -h' for more information on a command.")
}

// flags is a FlagSet with the -user flag every user-scoped command takes.
type flags struct {
	*flag.FlagSet
	user *string
}

func newFlags(name string) *flags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &flags{
		FlagSet: fs,
		user:    fs.String("user", os.Getenv("INGEST_USER_ID"), "User ID (or set INGEST_USER_ID)"),
	}
}

func (f *flags) parse(args []string, required ...string) error {
	if err := f.Parse(args); err != nil {
		return err
	}
	if *f.user == "" {
		return errors.New("-user is required")
	}
	for _, name := range required {
		if fl := f.Lookup(name); fl == nil || fl.Value.String() == "" {
			return fmt.Errorf("-%s is required", name)
		}
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func readStatement(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func runIngest(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("ingest")
	file := fs.String("file", "", "Path to the statement file")
	mimeType := fs.String("mime", "", "MIME type (guessed from the extension when empty)")
	confirm := fs.Bool("confirm", false, "Confirm the upload after a successful extraction")
	account := fs.String("account", "", "Account ID to link on confirm (matched automatically when empty)")
	if err := fs.parse(args, "file"); err != nil {
		return err
	}

	data, err := readStatement(*file)
	if err != nil {
		return err
	}

	created, err := a.Service.CreateUpload(ctx, *fs.user, data, *mimeType, filepath.Base(*file))
	if err != nil {
		return err
	}
	if created.Duplicate != nil {
		fmt.Printf("Note: %v\n", created.Duplicate)
	}
	uploadID := created.Upload.ID

	outcome, err := a.Service.TriggerProcessing(ctx, *fs.user, uploadID)
	if outcome != nil {
		if perr := printJSON(outcome); perr != nil {
			return perr
		}
	}
	if err != nil || !*confirm {
		return err
	}

	outcome, err = a.Service.ConfirmUpload(ctx, *fs.user, uploadID, *account)
	if outcome != nil {
		if perr := printJSON(outcome); perr != nil {
			return perr
		}
	}
	return err
}

func runUpload(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("upload")
	file := fs.String("file", "", "Path to the statement file")
	mimeType := fs.String("mime", "", "MIME type (guessed from the extension when empty)")
	if err := fs.parse(args, "file"); err != nil {
		return err
	}

	data, err := readStatement(*file)
	if err != nil {
		return err
	}

	created, err := a.Service.CreateUpload(ctx, *fs.user, data, *mimeType, filepath.Base(*file))
	if err != nil {
		return err
	}
	if created.Duplicate != nil {
		fmt.Printf("Note: %v\n", created.Duplicate)
	}
	return printJSON(created)
}

func runProcess(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("process")
	upload := fs.String("upload", "", "Upload ID")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	outcome, err := a.Service.TriggerProcessing(ctx, *fs.user, *upload)
	if outcome != nil {
		if perr := printJSON(outcome); perr != nil {
			return perr
		}
	}
	return err
}

func runPreview(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("preview")
	upload := fs.String("upload", "", "Upload ID")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	preview, err := a.Service.GetPreview(ctx, *fs.user, *upload)
	if err != nil {
		return err
	}
	return printJSON(preview)
}

func runConfirm(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("confirm")
	upload := fs.String("upload", "", "Upload ID")
	account := fs.String("account", "", "Account ID to link (matched automatically when empty)")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	outcome, err := a.Service.ConfirmUpload(ctx, *fs.user, *upload, *account)
	if outcome != nil {
		if perr := printJSON(outcome); perr != nil {
			return perr
		}
	}
	return err
}

func runQualityCheck(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("qc")
	upload := fs.String("upload", "", "Upload ID")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	outcome, err := a.Service.RunQualityCheck(ctx, *fs.user, *upload)
	if outcome != nil {
		if perr := printJSON(outcome); perr != nil {
			return perr
		}
	}
	return err
}

func runFix(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("fix")
	upload := fs.String("upload", "", "Upload ID")
	phase := fs.Int("phase", 1, "Fix phase")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	fixed, err := a.Service.TriggerFix(ctx, *fs.user, *upload, *phase)
	if err != nil {
		return err
	}
	if fixed {
		fmt.Println("Quality check passes after the fix.")
	} else {
		fmt.Println("Fix attempted; the quality check still fails.")
	}
	return nil
}

func runResolveCheck(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("resolve-check")
	check := fs.String("check", "", "Quality check ID")
	notes := fs.String("notes", "", "Resolution notes")
	if err := fs.parse(args, "check", "notes"); err != nil {
		return err
	}

	qc, err := a.Service.ResolveQualityCheck(ctx, *fs.user, *check, *notes)
	if err != nil {
		return err
	}
	if a.Reviews != nil {
		if n, err := a.Reviews.ArchiveUpload(ctx, qc.UploadID); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("Failed to archive review items")
		} else if n > 0 {
			fmt.Printf("Archived %d review item(s).\n", n)
		}
	}
	return printJSON(qc)
}

func runRevert(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("revert")
	upload := fs.String("upload", "", "Upload ID")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	removed, err := a.Service.Revert(ctx, *fs.user, *upload)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d transaction(s), %d position(s), %d balance(s).\n",
		removed.Transactions, removed.Positions, removed.Balances)
	return nil
}

func runInspect(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("inspect")
	upload := fs.String("upload", "", "Upload ID")
	if err := fs.parse(args, "upload"); err != nil {
		return err
	}

	rec, err := a.Service.GetUpload(ctx, *fs.user, *upload)
	if err != nil {
		return err
	}

	fmt.Println("\n=== Upload Details ===")
	fmt.Printf("ID:         %s\n", rec.ID)
	fmt.Printf("File:       %s (%s, %d bytes)\n", rec.Filename, rec.FileType, rec.SizeBytes)
	fmt.Printf("Stored at:  %s\n", rec.StoragePath)
	fmt.Printf("Status:     %s\n", rec.ParseStatus)
	fmt.Printf("Processed:  %d time(s)\n", rec.ProcessCount)
	if rec.AccountID != "" {
		fmt.Printf("Account ID: %s\n", rec.AccountID)
	}
	if rec.ConfirmedAt != nil {
		fmt.Printf("Confirmed:  %s\n", rec.ConfirmedAt.Format(time.RFC3339))
	}
	if rec.LastError != "" {
		fmt.Printf("Last error: %s\n", rec.LastError)
	}

	data, err := a.Store.LoadUploadData(ctx, *fs.user, rec.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Transactions (%d) ===\n", len(data.Transactions))
	for i, txn := range data.Transactions {
		fmt.Printf("\n%d. %s\n", i+1, txn.Description)
		fmt.Printf("   Date:     %s\n", txn.Date)
		fmt.Printf("   Amount:   %s %s\n", txn.Amount.StringFixed(2), txn.Currency)
		if txn.Category != "" {
			fmt.Printf("   Category: %s\n", txn.Category)
		}
		if txn.BalanceAfter != nil {
			fmt.Printf("   Balance:  %s\n", txn.BalanceAfter.StringFixed(2))
		}
	}

	if len(data.Positions) > 0 {
		fmt.Printf("\n=== Positions (%d) ===\n", len(data.Positions))
		for _, p := range data.Positions {
			fmt.Printf("  %-10s qty %s  value %s %s\n", p.Symbol, p.Quantity.String(), p.MarketValue.StringFixed(2), p.Currency)
		}
	}
	if len(data.Balances) > 0 {
		fmt.Printf("\n=== Balances (%d) ===\n", len(data.Balances))
		for _, b := range data.Balances {
			fmt.Printf("  %-8s %s %s\n", b.Kind, b.Amount.StringFixed(2), b.Currency)
		}
	}
	fmt.Println()
	return nil
}

func runSettings(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("settings")
	mode := fs.String("mode", "", "Extraction mode: gemini, openai or cli")
	preset := fs.String("preset", "", "Oracle preset name")
	if err := fs.parse(args); err != nil {
		return err
	}

	if *mode == "" && *preset == "" {
		st, err := a.Service.GetSettings(ctx, *fs.user)
		if err != nil {
			return err
		}
		return printJSON(st)
	}

	st, err := a.Service.UpdateSettings(ctx, *fs.user, *mode, *preset)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runResolveFailure(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("resolve-failure", flag.ExitOnError)
	failure := fs.String("failure", "", "Extraction failure ID")
	notes := fs.String("notes", "", "Resolution notes")
	operator := fs.String("operator", os.Getenv("USER"), "Operator name recorded on the grant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *failure == "" {
		return errors.New("-failure is required")
	}

	// shell access to the store's credentials is the admin check here
	grant, err := store.GrantAdmin(*operator)
	if err != nil {
		return err
	}
	if err := a.Service.ResolveFailure(ctx, grant, *failure, *notes); err != nil {
		return err
	}
	fmt.Printf("Resolved extraction failure %s.\n", *failure)
	return nil
}

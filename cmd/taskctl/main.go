package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/infrastructure/remote"
	"github.com/caat/taskwatch/internal/tracker"
)

const usage = `usage: taskctl [--config FILE] [--verbose] <command> [flags]

commands:
  submit    start a task and follow it until it finishes
  watch     follow an existing task
  list      show one page of tasks
  delete    delete one or more tasks by id
  purge     delete every task in a category
  cancel    cancel a pending or running task
  download  save a finished export to a file
  keygen    create an SSH key pair for the SFTP artifact store
`

var errUsage = errors.New("usage")

func main() {
	global := pflag.NewFlagSet("taskctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "", "path to the YAML config file")
	verbose := global.BoolP("verbose", "v", false, "log tracker activity to stderr")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	cmd, rest := args[0], args[1:]
	if cmd == "keygen" {
		if err := runKeygen(rest); err != nil {
			if !errors.Is(err, errUsage) {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewNop()
	if *verbose {
		cfg.Logger.OutputPaths = []string{"stderr"}
		if log, err = logger.New(cfg.Logger); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
		defer log.Sync()
	}

	tr := tracker.NewFromConfig(cfg.Tracker, log)
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "submit":
		err = runSubmit(ctx, tr, rest)
	case "watch":
		err = runWatch(ctx, tr, rest)
	case "list":
		err = runList(ctx, tr, rest)
	case "delete":
		err = runDelete(ctx, tr, rest)
	case "purge":
		err = runPurge(ctx, tr, rest)
	case "cancel":
		err = runCancel(ctx, tr, rest)
	case "download":
		err = runDownload(ctx, tr, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		tr.Close()
		exit(err)
	}
}

func exit(err error) {
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, errUsage), errors.Is(err, pflag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, tracker.UserMessage(err))
		os.Exit(1)
	}
}

func runSubmit(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	kind := fs.StringP("kind", "k", "", "task kind (JSON, MARKDOWN, CSV, HTML, PDF, WORD, CONTENT_FETCH)")
	owner := fs.StringP("owner", "o", os.Getenv("USER"), "owner id recorded on the task")
	category := fs.String("category", string(domain.TaskCategoryManual), "MANUAL or SCHEDULED")
	params := fs.StringToStringP("param", "p", nil, "task parameter as key=value, repeatable")
	detach := fs.Bool("detach", false, "print the task id and exit without waiting")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	k, err := domain.ParseTaskKind(*kind)
	if err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}
	c, err := domain.ParseTaskCategory(*category)
	if err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}

	p, err := tr.Submit(ctx, tracker.SubmitRequest{
		Kind:       k,
		Category:   c,
		Owner:      *owner,
		Parameters: parseParams(*params),
	})
	if err != nil {
		return err
	}
	fmt.Println(p.ID())
	if *detach {
		return nil
	}
	return follow(ctx, tr, p)
}

// parseParams keeps numbers and booleans typed so the server sees what a JSON client sends.
func parseParams(raw map[string]string) domain.JSONB {
	if len(raw) == 0 {
		return nil
	}
	out := make(domain.JSONB, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out
}

func runWatch(ctx context.Context, tr *tracker.Tracker, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskctl watch <id>")
		return errUsage
	}
	return follow(ctx, tr, tr.StartPolling(args[0]))
}

// follow prints progress lines until the poller stops, then the final notice.
func follow(ctx context.Context, tr *tracker.Tracker, p *tracker.Poller) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			rec := p.Record()
			line := fmt.Sprintf("%s %3d%%", rec.Status, rec.CompletionPercent())
			if line != last {
				fmt.Fprintln(os.Stderr, line)
				last = line
			}
		case e, ok := <-tr.Notifications():
			if !ok {
				return tracker.ErrClosed
			}
			if e.Task.ID != p.ID() {
				continue
			}
			fmt.Println(e.Message)
			if e.Kind == tracker.EventCompleted {
				return nil
			}
			return fmt.Errorf("task %s ended %s", p.ID(), strings.ToLower(string(e.Kind)))
		}
	}
}

func runList(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	category := fs.String("category", string(domain.TaskCategoryManual), "MANUAL or SCHEDULED")
	page := fs.Int("page", 0, "zero-based page number")
	size := fs.Int("size", domain.DefaultPageSize, "page size")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	c, err := domain.ParseTaskCategory(*category)
	if err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}

	result, err := tr.LoadPage(ctx, domain.ListQuery{Category: c, Page: *page, Size: *size})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tOWNER\tCREATED")
	for _, t := range result.Content {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			t.ID, t.Kind, t.Status, t.CompletionPercent(), t.Owner, t.CreatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	pages := (result.TotalElements + int64(result.Size) - 1) / int64(max(result.Size, 1))
	fmt.Printf("page %d of %d, %d tasks\n", result.Page+1, max(pages, 1), result.TotalElements)
	return nil
}

func runDelete(ctx context.Context, tr *tracker.Tracker, args []string) error {
	switch len(args) {
	case 0:
		fmt.Fprintln(os.Stderr, "usage: taskctl delete <id> [id...]")
		return errUsage
	case 1:
		if err := tr.DeleteOne(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("deleted 1 task")
		return nil
	}
	n, err := tr.DeleteMany(ctx, args)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d tasks\n", n)
	return nil
}

func runPurge(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	category := fs.String("category", "", "MANUAL or SCHEDULED")
	confirm := fs.String("confirm", "", `confirmation text, e.g. "DELETE MANUAL"`)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	c, err := domain.ParseTaskCategory(*category)
	if err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}

	n, err := tr.DeleteAllByCategory(ctx, tracker.PurgeRequest{Category: c, ConfirmText: *confirm})
	if errors.Is(err, tracker.ErrConfirmationMismatch) {
		fmt.Fprintf(os.Stderr, "type --confirm %q to proceed\n", tracker.ConfirmationPhrase(c))
	}
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d tasks\n", n)
	return nil
}

func runCancel(ctx context.Context, tr *tracker.Tracker, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskctl cancel <id>")
		return errUsage
	}
	rec, err := tr.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", rec.ID, rec.Status)
	return nil
}

func runDownload(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := pflag.NewFlagSet("download", pflag.ContinueOnError)
	out := fs.StringP("output", "o", "", "file to write, - for stdout (default <id>.download)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskctl download [-o FILE] <id>")
		return errUsage
	}
	id := fs.Arg(0)

	var w io.Writer = os.Stdout
	path := *out
	if path != "-" {
		if path == "" {
			path = id + ".download"
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := tr.Download(ctx, id, w)
	if err != nil {
		if path != "-" {
			_ = os.Remove(path)
		}
		return err
	}
	if path != "-" {
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, path)
	}
	return nil
}

func runKeygen(args []string) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	privPath := fs.String("private", "", "private key path (default ~/.ssh/taskwatch_artifacts)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	path := *privPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "taskwatch_artifacts")
	}

	created, err := remote.GenerateKeyPair(path, path+".pub")
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("wrote %s and %s.pub\n", path, path)
	} else {
		fmt.Printf("%s already exists, kept it\n", path)
	}
	fmt.Println("set artifacts.sftp.private_key to the private key contents and add the .pub line to the server's authorized_keys")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/metocean/bob-the-builder/internal/dispatch"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/task"
)

const listTimeLayout = "2006-01-02 15:04:05"

type identityFlags struct {
	repo      string
	branch    string
	tag       string
	createdAt string
}

func (f *identityFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.repo, "repo", "", "GitHub repository (owner/name)")
	fs.StringVar(&f.branch, "branch", "", "Git branch (default master)")
	fs.StringVar(&f.tag, "tag", "", "Image tag (default latest)")
	fs.StringVar(&f.createdAt, "created-at", "", "Task creation time (RFC3339)")
}

// applyPositional fills repo, branch and tag from "repo [branch [tag]]"
// when the matching flag was not given.
func (f *identityFlags) applyPositional(args []string) error {
	if len(args) > 3 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(args[3:], " "))
	}
	fields := []*string{&f.repo, &f.branch, &f.tag}
	for i, arg := range args {
		if *fields[i] == "" {
			*fields[i] = arg
		}
	}
	return nil
}

func (f *identityFlags) identity(requireCreatedAt bool) (task.Identity, error) {
	id := task.Identity{
		GitRepo:   strings.TrimSpace(f.repo),
		GitBranch: strings.TrimSpace(f.branch),
		GitTag:    strings.TrimSpace(f.tag),
	}
	if id.GitRepo == "" {
		return task.Identity{}, errors.New("repo is required (use --repo or a positional argument)")
	}
	if id.GitBranch == "" {
		id.GitBranch = task.DefaultBranch
	}
	if id.GitTag == "" {
		id.GitTag = task.DefaultTag
	}
	if f.createdAt == "" {
		if requireCreatedAt {
			return task.Identity{}, errors.New("--created-at is required")
		}
		return id, nil
	}
	created, err := time.Parse(time.RFC3339Nano, f.createdAt)
	if err != nil {
		return task.Identity{}, fmt.Errorf("invalid --created-at: %w", err)
	}
	id.CreatedAt = created.UTC()
	return id, nil
}

func runSubmit(args []string) {
	var idFlags identityFlags
	var buildArgs string
	cfg, _, rest, err := loadConfig("submit", args, func(fs *pflag.FlagSet) {
		idFlags.bind(fs)
		fs.StringVar(&buildArgs, "build-args", "", "Extra arguments for the compose build")
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := idFlags.applyPositional(rest); err != nil {
		log.Fatal(err)
	}
	id, err := idFlags.identity(false)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()
	if err := b.store.EnsureExists(ctx); err != nil {
		log.Fatal(err)
	}
	if err := b.queue.EnsureExists(ctx); err != nil {
		log.Fatal(err)
	}

	t := task.New(id.GitRepo, id.GitBranch, id.GitTag, currentUser(), buildArgs, time.Now())
	if err := dispatch.Submit(ctx, b.store, b.queue, t); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Submitted %s\n", t.Identity())
}

func runCancel(args []string) {
	var idFlags identityFlags
	cfg, _, rest, err := loadConfig("cancel", args, idFlags.bind)
	if err != nil {
		log.Fatal(err)
	}
	if err := idFlags.applyPositional(rest); err != nil {
		log.Fatal(err)
	}
	id, err := idFlags.identity(false)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	if id.CreatedAt.IsZero() {
		active, err := b.store.ScanActive(ctx)
		if err != nil {
			log.Fatal(err)
		}
		latest, ok := latestMatching(active, id)
		if !ok {
			fmt.Printf("No active task found for %s:%s:%s\n", id.GitRepo, id.GitBranch, id.GitTag)
			return
		}
		id = latest.Identity()
	}

	updated, err := b.store.RequestCancel(ctx, id, currentUser())
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Printf("No task found for %s\n", id)
	case errors.Is(err, store.ErrCancelRequested):
		fmt.Printf("Cancellation already requested for %s\n", id)
	case errors.Is(err, store.ErrNotCancelable):
		fmt.Println(err)
	case err != nil:
		log.Fatal(err)
	default:
		fmt.Printf("Cancellation requested for %s (was %s)\n", updated.Identity(), updated.PreviousState())
	}
}

type listFilter struct {
	repo   string
	branch string
	state  string
}

func runList(args []string, activeOnly bool) {
	name := "ls"
	if activeOnly {
		name = "ps"
	}
	var filter listFilter
	cfg, _, _, err := loadConfig(name, args, func(fs *pflag.FlagSet) {
		fs.StringVar(&filter.repo, "repo", "", "Only show tasks for this repository")
		fs.StringVar(&filter.branch, "branch", "", "Only show tasks for this branch")
		fs.StringVar(&filter.state, "state", "", "Only show tasks in this state")
	})
	if err != nil {
		log.Fatal(err)
	}
	if filter.state != "" {
		if _, err := task.ParseState(filter.state); err != nil {
			log.Fatal(err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	var tasks []*task.Task
	if activeOnly {
		tasks, err = b.store.ScanActive(ctx)
	} else {
		tasks, err = b.store.ScanAll(ctx)
	}
	if err != nil {
		log.Fatal(err)
	}
	tasks = filterTasks(tasks, filter)
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}
	if err := printTasks(os.Stdout, tasks); err != nil {
		log.Fatal(err)
	}
}

// filterTasks returns the matching tasks, newest first.
func filterTasks(tasks []*task.Task, filter listFilter) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if filter.repo != "" && t.GitRepo != filter.repo {
			continue
		}
		if filter.branch != "" && t.GitBranch != filter.branch {
			continue
		}
		if filter.state != "" && string(t.State) != filter.state {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// latestMatching picks the newest task with the identity's repo, branch
// and tag.
func latestMatching(tasks []*task.Task, id task.Identity) (*task.Task, bool) {
	var latest *task.Task
	for _, t := range tasks {
		if t.GitRepo != id.GitRepo || t.GitBranch != id.GitBranch || t.GitTag != id.GitTag {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return latest, latest != nil
}

func printTasks(w io.Writer, tasks []*task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tREPO\tBRANCH\tTAG\tCREATED\tMODIFIED\tBUILDER")
	for _, t := range tasks {
		builder := t.BuilderHostname
		if builder == "" {
			builder = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.State,
			t.GitRepo,
			t.GitBranch,
			t.GitTag,
			t.CreatedAt.UTC().Format(listTimeLayout),
			t.ModifiedAt.UTC().Format(listTimeLayout),
			builder,
		)
	}
	return tw.Flush()
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

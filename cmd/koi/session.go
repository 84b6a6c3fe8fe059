package main

import (
	"fmt"

	"github.com/koirun/koi/internal/session"
)

// SessionCmd groups session commit-history subcommands.
type SessionCmd struct {
	Log      SessionLogCmd      `cmd:"" help:"List commit history."`
	Show     SessionShowCmd     `cmd:"" help:"Show a commit's diff."`
	Checkout SessionCheckoutCmd `cmd:"" help:"Restore files to a commit's snapshot."`
}

// sessionFlags is embedded by every leaf subcommand so each carries its
// own --dir flag.
type sessionFlags struct {
	Dir string `help:"Session storage directory." default:".koi"`
}

func openTracker(dir string) (*session.Tracker, error) {
	return session.New(dir, nil, nil)
}

// SessionLogCmd prints the linear commit history, newest first.
type SessionLogCmd struct {
	sessionFlags
}

func (c *SessionLogCmd) Run(cli *CLI) error {
	tracker, err := openTracker(c.Dir)
	if err != nil {
		return fmt.Errorf("session log: %w", err)
	}

	history := tracker.GetHistory()
	if len(history) == 0 {
		fmt.Println("no commits recorded")
		return nil
	}
	for i := len(history) - 1; i >= 0; i-- {
		commit := history[i]
		fmt.Printf("%s\t%s\t%s\n", commit.Hash, commit.Timestamp.Format("2006-01-02T15:04:05"), commit.Summary)
		for _, f := range commit.ChangedFiles {
			fmt.Printf("\t%s\n", f)
		}
	}
	return nil
}

// SessionShowCmd prints a single commit's unified diff.
type SessionShowCmd struct {
	sessionFlags
	Hash string `arg:"" help:"Commit hash."`
}

func (c *SessionShowCmd) Run(cli *CLI) error {
	tracker, err := openTracker(c.Dir)
	if err != nil {
		return fmt.Errorf("session show: %w", err)
	}

	diff, err := tracker.GetCommitDiff(c.Hash)
	if err != nil {
		return fmt.Errorf("session show: %w", err)
	}
	fmt.Print(diff)
	return nil
}

// SessionCheckoutCmd restores every file a commit touched back to that
// commit's snapshot.
type SessionCheckoutCmd struct {
	sessionFlags
	Hash string `arg:"" help:"Commit hash to restore."`
}

func (c *SessionCheckoutCmd) Run(cli *CLI) error {
	tracker, err := openTracker(c.Dir)
	if err != nil {
		return fmt.Errorf("session checkout: %w", err)
	}

	summary, err := tracker.CheckoutCommit(c.Hash)
	if err != nil {
		return fmt.Errorf("session checkout: %w", err)
	}
	fmt.Println(summary)
	return nil
}

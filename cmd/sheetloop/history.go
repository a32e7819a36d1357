package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/sheetloop/internal/client"
)

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 20, "number of threads to list")
	rename := fs.String("rename", "", "rename the thread to this title")
	remove := fs.Bool("delete", false, "delete the thread")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: sheetloop history [--limit n] [--rename <title> | --delete] [thread_id]")
	}
	threadID := fs.Arg(0)
	if threadID == "" && (*rename != "" || *remove) {
		return fmt.Errorf("--rename and --delete need a thread id")
	}

	cfg, err := cf.resolve()
	if err != nil {
		return err
	}
	logger, closeLog, err := cf.logger(cfg.Service.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout)
	defer cancel()

	backend := client.NewClient(cfg.Client.BaseURL, cfg.Client.Token, cfg.Client.Timeout, logger)
	switch {
	case threadID == "":
		threads, err := backend.ListThreads(ctx, *limit)
		if err != nil {
			return err
		}
		printThreads(os.Stdout, threads)
		return nil
	case *remove:
		if err := backend.DeleteThread(ctx, threadID); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", threadID)
		return nil
	case *rename != "":
		th, err := backend.RenameThread(ctx, threadID, *rename)
		if err != nil {
			return err
		}
		fmt.Printf("renamed %s to %q\n", th.ID, th.Title)
		return nil
	}

	sess, err := newSession(cfg, sessionOptions{}, logger)
	if err != nil {
		return err
	}
	defer sess.close()
	go drain(sess)

	if err := sess.conv.LoadHistory(ctx, threadID); err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("thread %s not found", threadID)
		}
		return err
	}
	fmt.Printf("thread %s\n", threadID)
	for i, t := range sess.conv.Turns() {
		printTurn(os.Stdout, i+1, t)
	}
	return nil
}

// drain discards session notifications for commands without a live view.
func drain(sess *session) {
	for {
		select {
		case <-sess.updates:
		case <-sess.done:
			return
		}
	}
}

func printThreads(w io.Writer, threads []client.Thread) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "no threads")
		return
	}
	for _, th := range threads {
		fmt.Fprintf(w, "%s  %-60s  turns=%d  updated=%s\n",
			th.ID,
			trimForLog(th.Title, 60),
			th.TurnCount,
			th.UpdatedAt.Local().Format(time.DateTime),
		)
	}
}

func printScenarios(w io.Writer, scenarios []client.Scenario) {
	if len(scenarios) == 0 {
		fmt.Fprintln(w, "no fixture scenarios")
		return
	}
	for _, sc := range scenarios {
		line := sc.ID + "  " + sc.Name
		if len(sc.Tags) > 0 {
			line += "  [" + strings.Join(sc.Tags, ",") + "]"
		}
		fmt.Fprintln(w, line)
		for _, c := range sc.Cases {
			kind := "scripted"
			if c.Prompt != "" {
				kind = "prompt"
			}
			fmt.Fprintf(w, "  %-24s %-8s %s\n", c.ID, kind, c.Name)
		}
	}
}

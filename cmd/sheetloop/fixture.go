package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/sheetloop/internal/client"
)

func runFixture(args []string) error {
	fs := flag.NewFlagSet("fixture", flag.ExitOnError)
	cf := addClientFlags(fs)
	plain := fs.Bool("plain", false, "print step transitions instead of the TUI")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 && fs.NArg() != 2 {
		return fmt.Errorf("usage: sheetloop fixture [--plain] [<scenario_id> <case_id>]")
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
	scenarios, err := backend.ListFixtures(ctx)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		printScenarios(os.Stdout, scenarios)
		return nil
	}

	scenarioID, caseID := fs.Arg(0), fs.Arg(1)
	fc, ok := findCase(scenarios, scenarioID, caseID)
	if !ok {
		return fmt.Errorf("fixture %s/%s not found", scenarioID, caseID)
	}

	sess, err := newSession(cfg, sessionOptions{Scenario: scenarioID, Case: caseID}, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	run := chatRun{
		Title:   "SheetLoop Fixture",
		APIBase: cfg.Client.BaseURL,
		Query:   fixtureQuery(scenarioID, fc),
	}
	return runTurn(sess, run, *plain)
}

func findCase(scenarios []client.Scenario, scenarioID, caseID string) (client.Case, bool) {
	for _, sc := range scenarios {
		if sc.ID != scenarioID {
			continue
		}
		for _, c := range sc.Cases {
			if c.ID == caseID {
				return c, true
			}
		}
	}
	return client.Case{}, false
}

// fixtureQuery is the user message shown for a replayed case.
func fixtureQuery(scenarioID string, c client.Case) string {
	if c.Prompt != "" {
		return c.Prompt
	}
	if c.Name != "" {
		return c.Name
	}
	return scenarioID + "/" + c.ID
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testRoster = `
title: CLI
token: abc
challenges:
  - id: c1
    name: first
    flag: FLAG{x}
    points: 100
    solves: 5
  - id: c2
    name: second
    flag: FLAG{y}
    points: 200
    solves: 1
`

type cli struct {
	t     *testing.T
	store string
	url   string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	roster := filepath.Join(dir, "ctf.yaml")
	if err := os.WriteFile(roster, []byte(testRoster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	return &cli{t: t, store: filepath.Join(dir, "state", "state.json"), url: roster}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--store", "file", "--dsn", c.store, "--env-file", "", "-u", c.url}, args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("ctfops %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestVersionCommand(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("version")
	if !strings.Contains(out, version) {
		t.Errorf("version output %q missing %q", out, version)
	}
}

func TestWorkflow(t *testing.T) {
	c := newCLI(t)

	c.mustRun("creds", "--token", "abc")
	if out := c.mustRun("login"); !strings.Contains(out, "via local") {
		t.Errorf("login output: %q", out)
	}

	var listed []struct {
		ID     string `json:"id"`
		Solved bool   `json:"is_solved"`
	}
	out := c.mustRun("challenges", "--json", "--show", "all", "--sortby", "points", "--sort", "asc")
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode challenges: %v\n%s", err, out)
	}
	if len(listed) != 2 || listed[0].ID != "c1" || listed[1].ID != "c2" {
		t.Fatalf("challenges = %+v", listed)
	}

	if out := c.mustRun("solve", "c1", "FLAG{x}"); !strings.Contains(out, "Correct") {
		t.Errorf("solve output: %q", out)
	}
	if out := c.mustRun("solve", "c2", "FLAG{nope}"); !strings.Contains(out, "Incorrect") {
		t.Errorf("solve output: %q", out)
	}

	c.mustRun("stage", "c2", "FLAG{y}")
	var results []struct {
		ID       string `json:"id"`
		Accepted bool   `json:"accepted"`
	}
	out = c.mustRun("submit", "--json")
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode submit: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].ID != "c2" || !results[0].Accepted {
		t.Fatalf("submit results = %+v", results)
	}

	if out := c.mustRun("challenges"); !strings.Contains(out, "No challenges found") {
		t.Errorf("unsolved list after solving everything: %q", out)
	}

	c.mustRun("delete")
	c.mustRun("delete")
	if _, err := c.run("login"); err == nil {
		t.Error("login after delete should fail without credentials")
	}
}

func TestChallengesRefresh(t *testing.T) {
	c := newCLI(t)
	c.mustRun("creds", "--token", "abc")
	c.mustRun("stage", "c1", "FLAG{guess}")

	count := func(args ...string) int {
		t.Helper()
		var listed []struct {
			ID         string `json:"id"`
			StagedFlag string `json:"staged_flag"`
		}
		out := c.mustRun(append([]string{"challenges", "--json", "--show", "all"}, args...)...)
		if err := json.Unmarshal([]byte(out), &listed); err != nil {
			t.Fatalf("decode challenges: %v\n%s", err, out)
		}
		for _, ch := range listed {
			if ch.ID == "c1" && ch.StagedFlag != "FLAG{guess}" {
				t.Errorf("staged flag lost: %+v", ch)
			}
		}
		return len(listed)
	}
	if n := count(); n != 2 {
		t.Fatalf("listed %d challenges, want 2", n)
	}

	grown := testRoster + `  - id: c3
    name: third
    flag: FLAG{z}
`
	if err := os.WriteFile(c.url, []byte(grown), 0o600); err != nil {
		t.Fatalf("rewrite roster: %v", err)
	}
	if n := count(); n != 2 {
		t.Errorf("cached listing = %d challenges, want 2 until refreshed", n)
	}
	if n := count("--refresh"); n != 3 {
		t.Errorf("refreshed listing = %d challenges, want 3", n)
	}
}

func TestInvalidQueryRejected(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("challenges", "--sortby", "color"); err == nil {
		t.Fatal("expected invalid --sortby to fail")
	}
}

func TestInvalidTimeoutFlag(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("--timeout", "soon", "logout"); err == nil {
		t.Fatal("expected invalid --timeout to fail")
	}
}

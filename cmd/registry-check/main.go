// Command registry-check validates a registry document for structural
// consistency: unique non-empty run IDs, a re-derivable fingerprint index,
// coherent path ownership, and stats that match the records.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	memorystore "runregistry/internal/infra/persistence/memory"
	"runregistry/pkg/domain"
)

var exitFunc = os.Exit

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var registryPath string
	var verbose bool
	fs.StringVar(&registryPath, "registry", "registry.json", "path to registry document")
	fs.BoolVar(&verbose, "v", false, "print every finding, not just the summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	problems, err := run(registryPath)
	if err != nil {
		fmt.Fprintf(stderr, "registry check failed: %v\n", err)
		return 2
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(stderr, p)
		}
		fmt.Fprintf(stderr, "registry check found %d problem(s)\n", len(problems))
		return 1
	}
	if verbose {
		fmt.Fprintln(stdout, "run ids unique, fingerprint index consistent, paths owned once, stats match")
	}
	fmt.Fprintln(stdout, "registry check passed")
	return 0
}

// run loads the document and returns human-readable findings. An empty slice
// means the document is consistent.
func run(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return checkDocument(doc), nil
}

func checkDocument(doc domain.Document) []string {
	var problems []string

	if doc.Version > domain.DocumentVersion {
		problems = append(problems, fmt.Sprintf("document version %d is newer than supported version %d", doc.Version, domain.DocumentVersion))
	}

	ids := make([]string, 0, len(doc.Experiments))
	for id := range doc.Experiments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Key/record agreement and empty primary keys.
	fingerprints := make(map[string]string, len(ids))
	pathOwner := make(map[string]string)
	for _, id := range ids {
		record := doc.Experiments[id]
		if id == "" || record.RunID == "" {
			problems = append(problems, fmt.Sprintf("record %q has an empty run_id", id))
			continue
		}
		if record.RunID != id {
			problems = append(problems, fmt.Sprintf("record keyed %q declares run_id %q", id, record.RunID))
		}
		fp := domain.Fingerprint(record)
		if prev, dup := fingerprints[fp]; dup {
			problems = append(problems, fmt.Sprintf("records %s and %s share fingerprint %s; they should have been merged", prev, id, fp))
		} else {
			fingerprints[fp] = id
		}
		for _, p := range record.AllPaths {
			if owner, taken := pathOwner[p]; taken && owner != id {
				problems = append(problems, fmt.Sprintf("path %s owned by both %s and %s", p, owner, id))
				continue
			}
			pathOwner[p] = id
		}
	}

	// The stored fingerprint index is informational; it must still agree with
	// what the records derive to.
	for fp, id := range doc.Indexes.ByFingerprint {
		derived, ok := fingerprints[fp]
		if !ok {
			problems = append(problems, fmt.Sprintf("fingerprint index entry %s -> %s matches no record", fp, id))
			continue
		}
		if derived != id {
			problems = append(problems, fmt.Sprintf("fingerprint index maps %s to %s but records derive %s", fp, id, derived))
		}
	}

	// Rebuild the store from the records alone and compare the derived stats
	// against the document's stats block.
	eng := memorystore.NewStore()
	eng.Import(doc)
	derived := eng.Stats()
	if derived != doc.Stats {
		problems = append(problems, fmt.Sprintf("stats block %+v does not match derived stats %+v", doc.Stats, derived))
	}

	return problems
}

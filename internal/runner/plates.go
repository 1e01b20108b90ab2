package runner

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
)

type PlateSource interface {
	DiscoverPlates(ctx context.Context) ([]string, error)
}

// ResolvePlates picks the plates of a run: the comma separated list when
// given, else the file with one plate per line, else discovery.
func ResolvePlates(ctx context.Context, list string, file string, src PlateSource) ([]string, error) {
	if strings.TrimSpace(list) != "" {
		return normalizePlates(strings.Split(list, ",")), nil
	}

	if file != "" {
		return LoadPlates(file)
	}

	if src == nil {
		return nil, fmt.Errorf("no plates given and no discovery source")
	}

	plates, err := src.DiscoverPlates(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover plates: %w", err)
	}
	log.Printf("runner: discovered %d plates", len(plates))

	return normalizePlates(plates), nil
}

// LoadPlates reads one plate per line; blank lines and # comments are skipped
func LoadPlates(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return normalizePlates(lines), nil
}

func normalizePlates(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

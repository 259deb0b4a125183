// Package cookies turns caller-supplied cookie material into Netscape cookie-jar
// files for the extraction backend, and manages the uploaded-jar directory.
//
// Jar files are tab-separated with seven columns per entry:
// domain, domain_specified, path, secure, expiry, name, value.
package cookies

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
)

// PlaceholderDomain scopes every cookie supplied as a plain name/value map.
// Callers needing multi-domain cookie sets must upload a prebuilt jar instead.
const PlaceholderDomain = ".example.com"

const (
	jarHeader  = "# Netscape HTTP Cookie File"
	numColumns = 7
)

// Entry is one cookie-jar line.
type Entry struct {
	Domain          string
	DomainSpecified bool
	Path            string
	Secure          bool
	Expiry          int64
	Name            string
	Value           string
}

// FormatJar renders a name/value map as jar text. Entries are emitted in
// name order so the output is deterministic.
func FormatJar(cookieMap map[string]string) string {
	names := make([]string, 0, len(cookieMap))
	for name := range cookieMap {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{jarHeader}
	for _, name := range names {
		lines = append(lines, formatLine(Entry{
			Domain:          PlaceholderDomain,
			DomainSpecified: true,
			Path:            "/",
			Name:            stripControl(name),
			Value:           stripControl(cookieMap[name]),
		}))
	}
	return strings.Join(lines, "\n") + "\n"
}

// ParseJar reads jar text and returns its entries. Comments, blank lines and
// malformed lines are skipped. The "#HttpOnly_" domain prefix is honoured.
func ParseJar(text string) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, "#HttpOnly_") {
			line = strings.TrimPrefix(line, "#HttpOnly_")
		} else if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cookie jar: %w", err)
	}
	return entries, nil
}

// ToMap collapses entries into a name/value map. Later entries win.
func ToMap(entries []Entry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Value
	}
	return m
}

// HeaderValue renders a map as a Cookie request header value.
func HeaderValue(cookieMap map[string]string) string {
	names := make([]string, 0, len(cookieMap))
	for name := range cookieMap {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookieMap[name])
	}
	return strings.Join(pairs, "; ")
}

func parseLine(line string) (Entry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != numColumns {
		return Entry{}, fmt.Errorf("expected %d columns, got %d", numColumns, len(fields))
	}

	var expiry int64
	if _, err := fmt.Sscanf(fields[4], "%d", &expiry); err != nil {
		return Entry{}, fmt.Errorf("parsing expiry %q: %w", fields[4], err)
	}

	return Entry{
		Domain:          fields[0],
		DomainSpecified: strings.EqualFold(fields[1], "TRUE"),
		Path:            fields[2],
		Secure:          strings.EqualFold(fields[3], "TRUE"),
		Expiry:          expiry,
		Name:            fields[5],
		Value:           fields[6],
	}, nil
}

func formatLine(e Entry) string {
	return strings.Join([]string{
		e.Domain,
		boolField(e.DomainSpecified),
		e.Path,
		boolField(e.Secure),
		fmt.Sprintf("%d", e.Expiry),
		e.Name,
		e.Value,
	}, "\t")
}

// stripControl drops characters that would split a jar line or column.
var stripControl = strings.NewReplacer("\t", "", "\n", "", "\r", "").Replace

func boolField(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

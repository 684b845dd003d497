// Command formula evaluates a property formula from the command line.
//
//	formula --prop Price=12.5 --prop Name=ada 'concat(upper(prop("Name")), ": ", prop("Price") * 2)'
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"pagewise/api/internal/formula"
)

func main() {
	props := flag.StringArray("prop", nil, "property as name=value; numbers, true and false are typed, anything else is text")
	calendar := flag.Bool("calendar", false, "use calendar months and years in dateAdd")
	tz := flag.String("tz", "UTC", "IANA time zone for today() and zone-less dates")
	timeout := flag.Duration("timeout", 100*time.Millisecond, "evaluation time limit")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: formula [--prop name=value]... FORMULA")
		os.Exit(2)
	}
	loc, err := time.LoadLocation(*tz)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --tz: %v\n", err)
		os.Exit(2)
	}
	properties, err := parseProps(*props)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	opts := formula.DefaultOptions()
	opts.Location = loc
	opts.CalendarDates = *calendar
	opts.Timeout = *timeout
	value, err := formula.New(opts).Run(flag.Arg(0), properties)
	if err != nil {
		fmt.Fprintf(os.Stderr, "formula error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(formula.FormatResult(value))
}

func parseProps(raw []string) (map[string]any, error) {
	props := make(map[string]any, len(raw))
	for _, entry := range raw {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --prop %q: want name=value", entry)
		}
		props[name] = typed(value)
	}
	return props, nil
}

func typed(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	return value
}

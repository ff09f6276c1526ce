package testrun

import (
	"bufio"
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// event is one line of `go test -json` (cmd/test2json) output. Build
// events carry ImportPath instead of Package.
type event struct {
	Time       time.Time `json:"Time"`
	Action     string    `json:"Action"`
	Package    string    `json:"Package"`
	ImportPath string    `json:"ImportPath"`
	Test       string    `json:"Test"`
	Elapsed    float64   `json:"Elapsed"`
	Output     string    `json:"Output"`
}

type key struct{ pkg, test string }

// decode folds a test2json stream into per-test and per-package outcomes.
// Lines that are not JSON (build output interleaved by the go command) are
// attached to the package they follow, or returned as stray output.
func decode(stream []byte) (tests, packages []TestOutcome, stray string) {
	order := []key{}
	byKey := map[key]*TestOutcome{}
	var strayBuf strings.Builder
	var last string

	get := func(k key) *TestOutcome {
		o, ok := byKey[k]
		if !ok {
			o = &TestOutcome{Package: k.pkg, Name: k.test, Status: StatusRunning}
			byKey[k] = o
			order = append(order, k)
		}
		return o
	}

	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var ev event
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &ev) != nil {
			if last != "" {
				o := get(key{pkg: last})
				o.Output += string(line) + "\n"
			} else {
				strayBuf.Write(line)
				strayBuf.WriteByte('\n')
			}
			continue
		}
		if ev.Package == "" {
			ev.Package = ev.ImportPath
		}
		last = ev.Package
		o := get(key{ev.Package, ev.Test})
		switch ev.Action {
		case "output", "build-output":
			o.Output += ev.Output
		case "pass":
			o.Status, o.Elapsed = StatusPassed, seconds(ev.Elapsed)
		case "fail", "build-fail":
			o.Status, o.Elapsed = StatusFailed, seconds(ev.Elapsed)
		case "skip":
			o.Status, o.Elapsed = StatusSkipped, seconds(ev.Elapsed)
		}
	}

	for _, k := range order {
		o := *byKey[k]
		if k.test == "" {
			packages = append(packages, o)
		} else {
			tests = append(tests, o)
		}
	}
	slices.SortStableFunc(tests, func(a, b TestOutcome) int {
		if c := strings.Compare(a.Package, b.Package); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return tests, packages, strayBuf.String()
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

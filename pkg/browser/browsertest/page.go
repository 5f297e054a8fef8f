// Package browsertest provides a scripted in-memory Page implementation so
// field primitives and workflow steps can be tested without a browser.
package browsertest

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/web365/clawbot/pkg/browser"
)

// SelectState models one <select> element on the fake page.
type SelectState struct {
	Options  []browser.OptionItem
	Selected string // selected option value
}

// FakePage implements browser.Page against in-memory state. Its Evaluate
// understands the scripts the field driver emits (option lookup, option
// assignment, date assignment, value verification, overlay dismissal) and
// mutates the fake DOM state accordingly.
type FakePage struct {
	CurrentURL string
	TitleText  string
	BodyText   string

	Exist      map[string]bool   // selector presence
	Filled     map[string]string // selector -> filled value
	Texts      map[string]string // selector -> inner text
	Selects    map[string]*SelectState
	DateFields map[string]string     // field name -> assigned date
	TableRows  []map[string]string   // returned by table-scraping scripts

	Clicked          []string
	Navigations      []string
	OverlayDismissed int
	Screenshots      []string

	// GotoFunc overrides navigation; by default Goto records the URL and
	// sets CurrentURL. Useful for simulating redirects.
	GotoFunc func(url string) error

	// ClickFunc, when set, runs after a click is recorded; it can mutate
	// page state to simulate a navigation triggered by the click.
	ClickFunc func(selector string) error

	// EvaluateFunc overrides script handling entirely when set.
	EvaluateFunc func(script string) (any, error)

	GotoErr  error
	ClickErr map[string]error
	LoadErr  error
}

// NewFakePage returns an empty fake page.
func NewFakePage() *FakePage {
	return &FakePage{
		Exist:      make(map[string]bool),
		Filled:     make(map[string]string),
		Texts:      make(map[string]string),
		Selects:    make(map[string]*SelectState),
		DateFields: make(map[string]string),
		ClickErr:   make(map[string]error),
	}
}

func (f *FakePage) Goto(_ context.Context, url string) error {
	f.Navigations = append(f.Navigations, url)
	if f.GotoFunc != nil {
		return f.GotoFunc(url)
	}
	if f.GotoErr != nil {
		return f.GotoErr
	}
	f.CurrentURL = url
	return nil
}

func (f *FakePage) URL() string {
	return f.CurrentURL
}

func (f *FakePage) Title() (string, error) {
	return f.TitleText, nil
}

func (f *FakePage) Fill(selector, value string) error {
	f.Filled[selector] = value
	return nil
}

func (f *FakePage) Click(selector string) error {
	if err := f.ClickErr[selector]; err != nil {
		return err
	}
	f.Clicked = append(f.Clicked, selector)
	if f.ClickFunc != nil {
		return f.ClickFunc(selector)
	}
	return nil
}

func (f *FakePage) Exists(selector string) (bool, error) {
	return f.Exist[selector], nil
}

func (f *FakePage) InnerText(selector string) (string, error) {
	if text, ok := f.Texts[selector]; ok {
		return text, nil
	}
	if selector == "body" {
		return f.BodyText, nil
	}
	return "", &notFoundError{selector: selector}
}

func (f *FakePage) WaitForLoad(context.Context) error {
	return f.LoadErr
}

func (f *FakePage) Screenshot(path string) error {
	f.Screenshots = append(f.Screenshots, path)
	return nil
}

var (
	selectorRe = regexp.MustCompile(`document\.querySelector\("((?:[^"\\]|\\.)+)"\)`)
	selNameRe  = regexp.MustCompile(`select\[name="([^"]+)"\]`)
	inputRe    = regexp.MustCompile(`input\[name="([^"]+)"\]`)
	valueRe    = regexp.MustCompile(`el\.value = "((?:[^"\\]|\\.)*)"`)
)

// Evaluate interprets the known field-driver scripts against the fake DOM.
// When EvaluateFunc is set it takes over entirely; it may call
// DefaultEvaluate to delegate scripts it does not care about.
func (f *FakePage) Evaluate(script string) (any, error) {
	if f.EvaluateFunc != nil {
		return f.EvaluateFunc(script)
	}
	return f.DefaultEvaluate(script)
}

// DefaultEvaluate is the built-in script interpreter behind Evaluate.
func (f *FakePage) DefaultEvaluate(script string) (any, error) {
	switch {
	case strings.Contains(script, "tbody tr"):
		// Table scraping.
		raw, err := json.Marshal(f.TableRows)
		if err != nil {
			return nil, err
		}
		return string(raw), nil

	case strings.Contains(script, "SELECT_NOT_FOUND"):
		// Option lookup.
		m := selNameRe.FindStringSubmatch(script)
		if m == nil {
			return "SELECT_NOT_FOUND", nil
		}
		state, ok := f.Selects[m[1]]
		if !ok {
			return "SELECT_NOT_FOUND", nil
		}
		raw, err := json.Marshal(state.Options)
		if err != nil {
			return nil, err
		}
		return string(raw), nil

	case strings.Contains(script, "selectpicker"):
		// Option assignment + change notification.
		m := selNameRe.FindStringSubmatch(script)
		v := valueRe.FindStringSubmatch(script)
		if m == nil || v == nil {
			return false, nil
		}
		state, ok := f.Selects[m[1]]
		if !ok {
			return false, nil
		}
		state.Selected = unescape(v[1])
		return true, nil

	case strings.Contains(script, "new Event('input'"):
		// Date field assignment.
		m := inputRe.FindStringSubmatch(script)
		v := valueRe.FindStringSubmatch(script)
		if m == nil || v == nil {
			return false, nil
		}
		f.DateFields[m[1]] = unescape(v[1])
		return true, nil

	case strings.Contains(script, "blur()"):
		f.OverlayDismissed++
		return true, nil

	case strings.Contains(script, "el.value : null"):
		// Value verification after SetText.
		m := selectorRe.FindStringSubmatch(script)
		if m == nil {
			return nil, nil
		}
		if value, ok := f.Filled[unescape(m[1])]; ok {
			return value, nil
		}
		return nil, nil
	}

	return nil, nil
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

type notFoundError struct {
	selector string
}

func (e *notFoundError) Error() string {
	return "no element found matching selector: " + e.selector
}

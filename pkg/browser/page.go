package browser

import "context"

// Page is the surface of a browser page the workflow engine drives. The
// playwright-backed session implements it; tests substitute a scripted fake
// so workflow steps and field primitives run without a browser.
type Page interface {
	// Goto navigates to the URL and waits for the network to settle.
	Goto(ctx context.Context, url string) error

	// URL returns the current page URL.
	URL() string

	// Title returns the current page title.
	Title() (string, error)

	// Fill sets an input element's value through the driver.
	Fill(selector, value string) error

	// Click clicks the first visible element matching the selector.
	Click(selector string) error

	// Evaluate runs a JavaScript expression and returns its result.
	Evaluate(script string) (any, error)

	// Exists reports whether any element matches the selector.
	Exists(selector string) (bool, error)

	// InnerText returns the rendered text of the first match.
	InnerText(selector string) (string, error)

	// WaitForLoad waits for the page to reach a settled load state.
	WaitForLoad(ctx context.Context) error

	// Screenshot writes a full-page capture to the given path.
	Screenshot(path string) error
}

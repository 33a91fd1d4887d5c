package oauth

import (
	"io"

	"github.com/pkg/browser"
)

// URLOpener shows the verification page to the operator.
type URLOpener interface {
	Open(url string) error
}

// BrowserOpener opens URLs in the system browser.
type BrowserOpener struct{}

func (BrowserOpener) Open(url string) error {
	return browser.OpenURL(url)
}

func init() {
	// xdg-open and friends chatter on stdout; the URL is logged anyway.
	browser.Stdout = io.Discard
}

// NopOpener never opens anything.
type NopOpener struct{}

func (NopOpener) Open(string) error { return nil }

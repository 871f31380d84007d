package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeConfig controls the headless Chrome launch.
type ChromeConfig struct {
	Headless  bool
	ExecPath  string
	UserAgent string
}

// ChromeBrowser launches one Chrome process per batch via chromedp.
type ChromeBrowser struct {
	config ChromeConfig
}

// NewChromeBrowser creates a ChromeBrowser.
func NewChromeBrowser(config ChromeConfig) *ChromeBrowser {
	return &ChromeBrowser{config: config}
}

// NewPage starts Chrome and opens a tab. The returned func shuts both down.
func (b *ChromeBrowser) NewPage(ctx context.Context) (Page, func(), error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.config.Headless),
		chromedp.WindowSize(1366, 900),
	)
	if b.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.config.ExecPath))
	}
	if b.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.config.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	shutdown := func() {
		cancelTab()
		cancelAlloc()
	}

	// an empty Run launches the browser so startup errors surface here
	if err := chromedp.Run(tabCtx); err != nil {
		shutdown()
		return nil, nil, fmt.Errorf("failed to launch chrome: %w", err)
	}
	return &chromePage{ctx: tabCtx}, shutdown, nil
}

type chromePage struct {
	ctx context.Context
}

func (p *chromePage) Navigate(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Text(selector string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	var text string
	err := chromedp.Run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Package render turns HTML documents into single-page A4 PDFs using a
// pooled headless Chrome instance.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"
)

const (
	// maxConcurrentTabs bounds how many render tabs may be open at once.
	// Chrome is the scarce resource here, not goroutines.
	maxConcurrentTabs = 4
	renderTimeout     = 60 * time.Second
)

// Renderer owns one long-lived headless Chrome browser, reused across
// requests. Each render opens a fresh tab and always closes it, error paths
// included. Close releases the browser on shutdown.
type Renderer struct {
	chromePath string
	sem        *semaphore.Weighted

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New creates a Renderer. The browser launches lazily on first use;
// chromePath overrides the binary chromedp discovers when non-empty.
func New(chromePath string) *Renderer {
	return &Renderer{
		chromePath: chromePath,
		sem:        semaphore.NewWeighted(maxConcurrentTabs),
	}
}

// browser returns a live browser context, launching or relaunching Chrome
// as needed.
func (r *Renderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}
	if r.browserCancel != nil {
		slog.Warn("render browser died, relaunching")
		r.browserCancel()
		r.allocCancel()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser now so a broken Chrome install fails loudly here
	// instead of inside the first request.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	r.allocCancel = allocCancel
	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	return browserCtx, nil
}

// Render produces A4 PDF bytes for the given HTML document. ctx gates only
// the wait for a free tab slot; an in-flight render is never cancelled by
// the caller going away.
func (r *Renderer) Render(ctx context.Context, html string) ([]byte, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring render slot: %w", err)
	}
	defer r.sem.Release(1)

	browserCtx, err := r.browser()
	if err != nil {
		return nil, err
	}

	// Fresh tab per document, derived from the shared browser.
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, renderTimeout)
	defer cancelTimeout()

	var pdfBuf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			// A4: 210mm x 297mm -> inches: 8.27 x 11.69
			pdfBuf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	return pdfBuf, nil
}

// Close shuts the browser down. Safe to call when it never launched.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCancel != nil {
		r.browserCancel()
		r.allocCancel()
		r.browserCtx = nil
		r.browserCancel = nil
		r.allocCancel = nil
	}
}

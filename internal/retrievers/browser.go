package retrievers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// ChromeDriver is the shared headless-browser collaborator. Browser launch
// is expensive and stateful, so one browser process serves all browser jobs:
// the first Acquire starts it, the last Release tears it down.
type ChromeDriver struct {
	mu             sync.Mutex
	refs           int
	browserCtx     context.Context
	browserCancel  context.CancelFunc
	allocatorCtx   context.Context
	allocatorCancel context.CancelFunc
	config         common.BrowserConfig
	logger         arbor.ILogger
}

// NewChromeDriver creates the driver without starting a browser
func NewChromeDriver(config common.BrowserConfig, logger arbor.ILogger) *ChromeDriver {
	return &ChromeDriver{config: config, logger: logger}
}

// Acquire increments the reference count, launching the browser on first use
func (d *ChromeDriver) Acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		if err := d.start(); err != nil {
			return err
		}
	}
	d.refs++
	d.logger.Debug().Int("refs", d.refs).Msg("Browser driver acquired")
	return nil
}

// Release decrements the reference count, tearing down on last use
func (d *ChromeDriver) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return
	}
	d.refs--
	d.logger.Debug().Int("refs", d.refs).Msg("Browser driver released")
	if d.refs == 0 {
		d.stop()
	}
}

func (d *ChromeDriver) start() error {
	userAgent := d.config.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.config.Headless),
		chromedp.Flag("disable-gpu", d.config.DisableGPU),
		chromedp.Flag("no-sandbox", d.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)

	d.allocatorCtx, d.allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	d.browserCtx, d.browserCancel = chromedp.NewContext(d.allocatorCtx)

	// Startup test so a broken Chrome install fails fast
	testCtx, testCancel := context.WithTimeout(d.browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		d.stop()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	d.logger.Info().Bool("headless", d.config.Headless).Msg("Browser driver started")
	return nil
}

func (d *ChromeDriver) stop() {
	if d.browserCancel != nil {
		d.browserCancel()
		d.browserCancel = nil
	}
	if d.allocatorCancel != nil {
		d.allocatorCancel()
		d.allocatorCancel = nil
	}
	d.logger.Info().Msg("Browser driver stopped")
}

// Render navigates a fresh tab to the request URL and returns the rendered
// document HTML. Jobs carrying their own switches or user-data directory
// get a dedicated allocator since those flags are process-level.
func (d *ChromeDriver) Render(ctx context.Context, request interfaces.BrowserRequest) (string, error) {
	d.mu.Lock()
	parent := d.browserCtx
	started := d.refs > 0
	d.mu.Unlock()
	if !started {
		return "", fmt.Errorf("browser driver not acquired")
	}

	var tabCtx context.Context
	var cancels []context.CancelFunc
	defer func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}()

	if len(request.Switches) > 0 || request.UserDataDir != "" || request.IgnoreHTTPSErrors {
		opts := append(
			chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", d.config.Headless),
			chromedp.Flag("disable-gpu", d.config.DisableGPU),
			chromedp.Flag("no-sandbox", d.config.NoSandbox),
		)
		if request.UserDataDir != "" {
			opts = append(opts, chromedp.UserDataDir(request.UserDataDir))
		}
		if request.IgnoreHTTPSErrors {
			opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
		}
		for _, sw := range request.Switches {
			name := strings.TrimPrefix(sw, "--")
			value := "true"
			if idx := strings.Index(name, "="); idx >= 0 {
				name, value = name[:idx], name[idx+1:]
			}
			opts = append(opts, chromedp.Flag(name, value))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		cancels = append(cancels, allocCancel)
		var tabCancel context.CancelFunc
		tabCtx, tabCancel = chromedp.NewContext(allocCtx)
		cancels = append(cancels, tabCancel)
	} else {
		var tabCancel context.CancelFunc
		tabCtx, tabCancel = chromedp.NewContext(parent)
		cancels = append(cancels, tabCancel)
	}

	timeout := 60 * time.Second
	if request.TimeoutSeconds > 0 {
		timeout = time.Duration(request.TimeoutSeconds * float64(time.Second))
	}
	runCtx, runCancel := context.WithTimeout(tabCtx, timeout)
	cancels = append(cancels, runCancel)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	tasks := chromedp.Tasks{network.Enable()}

	if len(request.Headers) > 0 {
		headers := make(network.Headers, len(request.Headers))
		for key, value := range request.Headers {
			headers[key] = value
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}

	if patterns := blockPatterns(request.BlockElements); len(patterns) > 0 {
		tasks = append(tasks, network.SetBlockedURLs(patterns))
	}

	for name, value := range request.Cookies {
		tasks = append(tasks, setCookieAction(name, value, request.URL))
	}

	if request.InitScript != "" {
		tasks = append(tasks, chromedp.Evaluate(request.InitScript, nil))
	}

	tasks = append(tasks, chromedp.Navigate(request.URL))

	switch {
	case request.WaitFor != "" && strings.HasPrefix(request.WaitFor, "http"):
		tasks = append(tasks, waitForURLPrefix(request.WaitFor))
	case request.WaitFor != "":
		tasks = append(tasks, chromedp.WaitVisible(request.WaitFor, chromedp.ByQuery))
	}

	switch request.WaitUntil {
	case "networkidle":
		tasks = append(tasks, chromedp.Sleep(2*time.Second))
	case "domcontentloaded", "load", "":
		// Navigate already waits for the load lifecycle event
	}

	var html string
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(runCtx, tasks); err != nil {
		return "", err
	}
	return html, nil
}

// blockPatterns maps block-element categories to URL patterns
func blockPatterns(categories []string) []string {
	var patterns []string
	for _, category := range categories {
		switch strings.ToLower(category) {
		case "stylesheet":
			patterns = append(patterns, "*.css")
		case "script":
			patterns = append(patterns, "*.js")
		case "image":
			patterns = append(patterns, "*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg")
		case "font":
			patterns = append(patterns, "*.woff", "*.woff2", "*.ttf", "*.otf")
		case "media":
			patterns = append(patterns, "*.mp4", "*.webm", "*.mp3", "*.ogg")
		}
	}
	return patterns
}

func setCookieAction(name, value, rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		domain := ""
		if idx := strings.Index(rawURL, "://"); idx >= 0 {
			rest := rawURL[idx+3:]
			if end := strings.IndexAny(rest, "/:"); end >= 0 {
				domain = rest[:end]
			} else {
				domain = rest
			}
		}
		return network.SetCookie(name, value).WithDomain(domain).WithPath("/").Do(ctx)
	})
}

// waitForURLPrefix polls the page location until it starts with the prefix
func waitForURLPrefix(prefix string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for {
			var location string
			if err := chromedp.Location(&location).Do(ctx); err != nil {
				return err
			}
			if strings.HasPrefix(location, prefix) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	})
}

// BrowserRetriever fulfils the url-browser retrieval contract through the
// shared driver.
type BrowserRetriever struct {
	driver interfaces.BrowserDriver
	logger arbor.ILogger
}

// NewBrowserRetriever creates the browser retriever
func NewBrowserRetriever(driver interfaces.BrowserDriver, logger arbor.ILogger) *BrowserRetriever {
	return &BrowserRetriever{driver: driver, logger: logger}
}

// Retrieve renders the job's URL in the shared browser
func (r *BrowserRetriever) Retrieve(ctx context.Context, state *models.JobState, wantBytes bool) (interfaces.RetrievalResult, error) {
	job := state.Job

	request := interfaces.BrowserRequest{
		URL:               job.URL,
		Headers:           job.Headers,
		Cookies:           job.Cookies,
		BlockElements:     job.BlockElements,
		UserDataDir:       job.UserDataDir,
		Switches:          job.Switches,
		InitScript:        job.InitScript,
		WaitFor:           job.WaitFor,
		WaitUntil:         job.WaitUntil,
		TimeoutSeconds:    job.TimeoutSeconds,
		IgnoreHTTPSErrors: job.IgnoreHTTPSErrors,
	}

	html, err := r.driver.Render(ctx, request)
	if err != nil {
		return interfaces.RetrievalResult{}, classifyBrowserError(job, err)
	}
	return interfaces.RetrievalResult{Data: html, MIME: "text/html"}, nil
}

// classifyBrowserError maps driver failures onto retrieval error kinds. A
// connection-closed navigation error is transient, like HTTP 429.
func classifyBrowserError(job *models.Job, err error) *RetrievalError {
	message := err.Error()
	switch {
	case strings.Contains(message, "ERR_CONNECTION_CLOSED"):
		return &RetrievalError{Kind: KindTransient, Err: err}
	case strings.Contains(message, "context deadline exceeded") && job.IgnoreTimeoutError:
		return &RetrievalError{Kind: KindIgnored, Err: err}
	case strings.Contains(message, "ERR_CONNECTION_REFUSED") && job.IgnoreConnectionError:
		return &RetrievalError{Kind: KindIgnored, Err: err}
	default:
		return &RetrievalError{Kind: KindFatal, Err: err}
	}
}

package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/config"
	"github.com/propfolio/billintake/internal/model"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// harvestJS collects the page's anchors for scoring.
const harvestJS = `Array.from(document.querySelectorAll('a[href]'))
	.map(a => ({href: a.href, text: (a.innerText || '').trim().slice(0, 120)}))
	.slice(0, 200)`

// fetchBase64JS downloads a URL inside the page (cookie-bearing) and
// returns its bytes base64-encoded. Chunked conversion keeps large bodies
// off the JS call-stack limit.
const fetchBase64JS = `fetch(%q, {credentials: 'include'})
	.then(r => { if (!r.ok) throw new Error('http ' + r.status); return r.arrayBuffer(); })
	.then(buf => {
		const bytes = new Uint8Array(buf);
		let binary = '';
		const chunk = 0x8000;
		for (let i = 0; i < bytes.length; i += chunk) {
			binary += String.fromCharCode.apply(null, bytes.subarray(i, i + chunk));
		}
		return btoa(binary);
	})`

// linkKeywords score anchor text and hrefs toward bill downloads.
var linkKeywords = map[string]int{
	".pdf": 6, "pdf": 5, "download": 4, "bill": 3, "invoice": 3,
	"statement": 3, "levy": 3, "document": 2, "view": 1,
}

type anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// ChromeDriver implements Driver on a headless Chrome via chromedp.
type ChromeDriver struct {
	cfg config.BrowserConfig
}

// NewChromeDriver creates a chromedp-backed driver.
func NewChromeDriver(cfg config.BrowserConfig) *ChromeDriver {
	return &ChromeDriver{cfg: cfg}
}

// Browse navigates from the entry URL toward the goal, one scored link per
// step, until a candidate download passes the PDF signature check or a
// guardrail budget runs out. Navigation never leaves the allowlist.
func (d *ChromeDriver) Browse(ctx context.Context, req BrowseRequest) (*BrowseResult, error) {
	if !req.Guardrails.AllowsURL(req.URL) {
		return nil, eris.Errorf("browser: entry url %s not allowed", req.URL)
	}

	if req.Guardrails.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Guardrails.MaxDuration())
		defer cancel()
	}

	taskCtx, cancel, err := d.newContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	maxSteps := req.Guardrails.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 20
	}
	goalWords := keywordSet(req.Goal)

	trace := model.Trace{}.Add("browse_started", map[string]any{
		"url":       req.URL,
		"max_steps": maxSteps,
	})

	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body"),
	); err != nil {
		return nil, eris.Wrap(err, "browser: navigate entry url")
	}

	visited := map[string]bool{req.URL: true}
	currentURL := req.URL

	for step := 1; step <= maxSteps; step++ {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "browser: time budget exhausted")
		}

		var anchors []anchor
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(harvestJS, &anchors)); err != nil {
			return nil, eris.Wrap(err, "browser: harvest links")
		}

		best, score := pickCandidate(anchors, goalWords, visited, req.Guardrails)
		trace = trace.Add("browse_step", map[string]any{
			"step":    step,
			"page":    currentURL,
			"anchors": len(anchors),
			"picked":  best.Href,
			"score":   score,
		})
		if best.Href == "" {
			return nil, eris.Errorf("browser: no viable links left on %s after %d steps", currentURL, step)
		}
		visited[best.Href] = true

		// A download-looking candidate is fetched in-page first; if the
		// bytes are a PDF the session is done.
		if looksDownloadable(best) {
			pdf, fetchErr := d.fetchInPage(taskCtx, best.Href)
			if fetchErr == nil && model.IsPDF(pdf) {
				trace = trace.Add("browse_downloaded", map[string]any{
					"url":   best.Href,
					"bytes": len(pdf),
					"steps": step,
				})
				zap.L().Info("browser: downloaded PDF",
					zap.String("url", best.Href),
					zap.Int("steps", step),
				)
				return &BrowseResult{
					PDF:       pdf,
					SourceURL: best.Href,
					Steps:     step,
					Trace:     trace,
				}, nil
			}
			if fetchErr != nil {
				trace = trace.Add("browse_fetch_failed", map[string]any{
					"url":   best.Href,
					"error": fetchErr.Error(),
				})
			}
			// Not a PDF after all; fall through and navigate into it.
		}

		if err := chromedp.Run(taskCtx,
			chromedp.Navigate(best.Href),
			chromedp.WaitReady("body"),
			chromedp.Sleep(500*time.Millisecond),
		); err != nil {
			trace = trace.Add("browse_nav_failed", map[string]any{
				"url":   best.Href,
				"error": err.Error(),
			})
			continue
		}
		currentURL = best.Href
	}

	return nil, eris.Errorf("browser: step budget of %d exhausted without a PDF", maxSteps)
}

// newContext builds the allocator and task contexts with the profile and
// stealth flags.
func (d *ChromeDriver) newContext(parent context.Context) (context.Context, context.CancelFunc, error) {
	profileDir := d.cfg.ProfileDir
	if profileDir == "" {
		home, _ := os.UserHomeDir()
		profileDir = filepath.Join(home, ".billintake", "chrome-profiles", "default")
	}
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, nil, eris.Wrap(err, "browser: create profile dir")
	}

	ua := d.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(ua),
	)
	if d.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		taskCancel()
		allocCancel()
	}
	return taskCtx, cancelAll, nil
}

// fetchInPage downloads href with the page's cookies and returns the raw
// bytes.
func (d *ChromeDriver) fetchInPage(taskCtx context.Context, href string) ([]byte, error) {
	var encoded string
	err := chromedp.Run(taskCtx, chromedp.Evaluate(
		fmt.Sprintf(fetchBase64JS, href),
		&encoded,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		},
	))
	if err != nil {
		return nil, eris.Wrap(err, "browser: in-page fetch")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, eris.Wrap(err, "browser: decode fetched bytes")
	}
	return raw, nil
}

// pickCandidate scores unvisited, allowlisted anchors and returns the best.
func pickCandidate(anchors []anchor, goalWords map[string]bool, visited map[string]bool, g model.Guardrails) (anchor, int) {
	var best anchor
	bestScore := 0
	for _, a := range anchors {
		if a.Href == "" || visited[a.Href] {
			continue
		}
		if strings.HasPrefix(a.Href, "mailto:") || strings.HasPrefix(a.Href, "javascript:") {
			continue
		}
		if !g.AllowsURL(a.Href) {
			continue
		}
		s := scoreAnchor(a, goalWords)
		if s > bestScore {
			best = a
			bestScore = s
		}
	}
	return best, bestScore
}

func scoreAnchor(a anchor, goalWords map[string]bool) int {
	href := strings.ToLower(a.Href)
	text := strings.ToLower(a.Text)
	score := 0
	for kw, w := range linkKeywords {
		if strings.Contains(href, kw) {
			score += w
		}
		if strings.Contains(text, kw) {
			score += w
		}
	}
	for _, word := range strings.Fields(text) {
		if goalWords[word] {
			score++
		}
	}
	return score
}

// keywordSet extracts goal words worth matching against anchor text.
func keywordSet(goal string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(goal)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

// looksDownloadable guesses whether an anchor points at a file rather than
// a page. Wrong guesses are cheap: the fetch result is signature-checked.
func looksDownloadable(a anchor) bool {
	href := strings.ToLower(a.Href)
	text := strings.ToLower(a.Text)
	return strings.Contains(href, ".pdf") ||
		strings.Contains(href, "download") ||
		strings.Contains(text, "download") ||
		strings.Contains(text, "pdf")
}

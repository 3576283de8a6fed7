package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/governor"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/retry"
)

// Dialog and pager controls on the listing page. The grid itself is the
// readiness marker after every interaction; portal.ParseListing owns the
// row-level selectors.
const (
	selGrid           = "table.tender-grid"
	selFilterOpen     = "button.filter-open"
	selFilterCategory = "select#filter-category"
	selFilterYear     = "select#filter-year"
	selFilterFrom     = "input#filter-from"
	selFilterTo       = "input#filter-to"
	selFilterApply    = "button#filter-apply"
	selPagerInput     = "nav.pager input.page-number"
	selPagerGo        = "nav.pager button.go"
)

// gridVerdictJS settles once the filter dialog has closed and either the
// grid or the portal's rejection banner is on screen.
const gridVerdictJS = `(function() {
	if (document.querySelector('div.alert.filter-error')) { return 'rejected'; }
	if (document.querySelector('div.filter-dialog.open')) { return false; }
	return document.querySelector('table.tender-grid') ? 'ready' : false;
})()`

// pagerAtJS settles once the pager reports the expected current page, which
// is the only reliable signal that the grid finished re-rendering.
const pagerAtJS = `(function() {
	var cur = document.querySelector('nav.pager .current');
	return cur !== null && cur.textContent.trim() === '%d';
})()`

const verdictRejected = "rejected"

// session is one live browser against the portal. Operations run on the
// session's automation context under a per-operation timeout, with the
// caller's cancellation forwarded in. A dead automation context surfaces as
// portal.ErrSessionCrashed so the recovery controller opens a fresh one.
type session struct {
	cfg     Config
	target  portal.CrawlTarget
	lease   *governor.Lease
	gov     *governor.Governor
	limiter *hostLimiter
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	meta   *pageMeta

	mu     sync.Mutex
	page   int
	landed bool
	closed bool
}

// ApplyFilter asserts the target's category and window. Modal mode drives
// the filter dialog in place so the current grid page survives a re-assert;
// server mode encodes the window into the listing URL.
func (s *session) ApplyFilter(ctx context.Context, target portal.CrawlTarget) error {
	if target.Mode == portal.FilterModeServer {
		return s.applyServerFilter(ctx, target)
	}
	return s.applyModalFilter(ctx, target)
}

func (s *session) applyServerFilter(ctx context.Context, target portal.CrawlTarget) error {
	var verdict string
	dest := listURL(s.cfg.BaseURL, target, 1)
	err := s.run(ctx, "apply filter", dest, s.cfg.NavigateTimeout,
		chromedp.Navigate(dest),
		chromedp.Poll(gridVerdictJS, &verdict),
	)
	if err != nil {
		return err
	}
	if verdict == verdictRejected {
		return fmt.Errorf("apply filter %s: %w", target.Key(), portal.ErrFilterRejected)
	}
	return s.statusCheck("apply filter")
}

func (s *session) applyModalFilter(ctx context.Context, target portal.CrawlTarget) error {
	if err := s.ensureLanded(ctx); err != nil {
		return err
	}

	actions := []chromedp.Action{
		chromedp.Click(selFilterOpen, chromedp.ByQuery),
		chromedp.WaitVisible(selFilterApply, chromedp.ByQuery),
		chromedp.SetValue(selFilterCategory, string(target.Category), chromedp.ByQuery),
	}
	if target.Window.IsYear() {
		actions = append(actions,
			chromedp.SetValue(selFilterYear, strconv.Itoa(target.Window.Year), chromedp.ByQuery),
		)
	} else {
		actions = append(actions,
			chromedp.SetValue(selFilterFrom, target.Window.From.Format("2006-01-02"), chromedp.ByQuery),
			chromedp.SetValue(selFilterTo, target.Window.To.Format("2006-01-02"), chromedp.ByQuery),
		)
	}
	var verdict string
	actions = append(actions,
		chromedp.Click(selFilterApply, chromedp.ByQuery),
		chromedp.Poll(gridVerdictJS, &verdict),
	)

	if err := s.run(ctx, "apply filter", s.cfg.BaseURL, s.cfg.OperationTimeout, actions...); err != nil {
		return err
	}
	if verdict == verdictRejected {
		return fmt.Errorf("apply filter %s: %w", target.Key(), portal.ErrFilterRejected)
	}
	return nil
}

// NavigateToPage moves the listing to the given 1-based page. Server mode
// navigates the page-stamped URL; modal mode submits the pager's page input
// so the dialog-held filter state survives.
func (s *session) NavigateToPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("navigate: page %d out of range", page)
	}
	op := fmt.Sprintf("navigate to page %d", page)

	var err error
	if s.target.Mode == portal.FilterModeServer {
		dest := listURL(s.cfg.BaseURL, s.target, page)
		err = s.run(ctx, op, dest, s.cfg.NavigateTimeout,
			chromedp.Navigate(dest),
			waitPagerAt(page),
		)
	} else {
		if err = s.ensureLanded(ctx); err == nil {
			err = s.run(ctx, op, s.cfg.BaseURL, s.cfg.OperationTimeout,
				chromedp.SetValue(selPagerInput, strconv.Itoa(page), chromedp.ByQuery),
				chromedp.Click(selPagerGo, chromedp.ByQuery),
				waitPagerAt(page),
			)
		}
	}
	if err != nil {
		return err
	}
	if err := s.statusCheck(op); err != nil {
		return err
	}

	s.mu.Lock()
	s.page = page
	s.mu.Unlock()
	return nil
}

// ExtractPage scrapes the rows on the current listing page and stamps the
// result with the page's identity fingerprint.
func (s *session) ExtractPage(ctx context.Context) (portal.PageResult, error) {
	var html string
	err := s.run(ctx, "extract page", s.cfg.BaseURL, s.cfg.OperationTimeout,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return portal.PageResult{}, err
	}

	records, hasMore, err := portal.ParseListing([]byte(html), s.cfg.BaseURL)
	if err != nil {
		return portal.PageResult{}, fmt.Errorf("extract page %d: %w", s.currentPage(), err)
	}
	res := portal.PageResult{
		Page:      s.currentPage(),
		Records:   records,
		HasMore:   hasMore,
		FetchedAt: time.Now().UTC(),
	}
	res.Fingerprint = portal.Fingerprint(res.RecordIDs())
	return res, nil
}

// fetchDocJS downloads a URL inside the page so the portal's session
// cookies ride along, returning the payload base64-encoded. The chunked
// loop keeps String.fromCharCode off the argument-spread path, which blows
// the stack on larger bodies.
const fetchDocJS = `(async function(url) {
	var resp = await fetch(url, {credentials: 'include'});
	if (!resp.ok) { return {status: resp.status, data: '', type: ''}; }
	var buf = new Uint8Array(await resp.arrayBuffer());
	var bin = '';
	for (var i = 0; i < buf.length; i += 0x8000) {
		bin += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
	}
	return {status: resp.status, data: btoa(bin), type: resp.headers.get('content-type') || ''};
})(%q)`

type docPayload struct {
	Status int    `json:"status"`
	Data   string `json:"data"`
	Type   string `json:"type"`
}

// FetchDocument downloads a session-gated document through the live page.
func (s *session) FetchDocument(ctx context.Context, remoteLocation string) ([]byte, string, error) {
	var payload docPayload
	expr := fmt.Sprintf(fetchDocJS, remoteLocation)
	err := s.run(ctx, "fetch document", remoteLocation, s.cfg.OperationTimeout,
		chromedp.Evaluate(expr, &payload, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		// Chrome reports network-level fetch failures as a page exception
		// rather than a status code.
		if strings.Contains(err.Error(), "Failed to fetch") {
			return nil, "", retry.MarkTransient(err, 0)
		}
		return nil, "", err
	}
	if payload.Status >= 400 {
		err := fmt.Errorf("fetch document %s: portal returned status %d", remoteLocation, payload.Status)
		return nil, "", retry.FromHTTPStatus(payload.Status, err)
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, "", fmt.Errorf("fetch document %s: decode payload: %w", remoteLocation, err)
	}
	return raw, payload.Type, nil
}

// Close tears down the browser and returns the lease. Safe to call twice.
func (s *session) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.gov.Release(s.lease)
	s.logger.Debug("session closed")
	return nil
}

// ensureLanded navigates to the bare listing once per session. Modal-mode
// filter and pager driving assume the listing shell is already on screen.
func (s *session) ensureLanded(ctx context.Context) error {
	s.mu.Lock()
	landed := s.landed
	s.mu.Unlock()
	if landed {
		return nil
	}

	err := s.run(ctx, "open listing", s.cfg.BaseURL, s.cfg.NavigateTimeout,
		chromedp.Navigate(s.cfg.BaseURL),
		chromedp.WaitReady(selGrid, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}
	if err := s.statusCheck("open listing"); err != nil {
		return err
	}

	s.mu.Lock()
	s.landed = true
	s.mu.Unlock()
	return nil
}

// run executes chromedp actions after the politeness wait, bounded by the
// given timeout, with the caller's cancellation forwarded into the
// automation context.
func (s *session) run(ctx context.Context, op, rawURL string, timeout time.Duration, actions ...chromedp.Action) error {
	if s.isClosed() {
		return fmt.Errorf("%s: session closed", op)
	}
	if err := s.limiter.wait(ctx, rawURL); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	opCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		return s.classify(ctx, op, err)
	}
	return nil
}

// classify separates caller cancellation from automation-context death. The
// latter comes back as ErrSessionCrashed so callers treat it as transient
// and reopen.
func (s *session) classify(ctx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case s.ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %v", op, portal.ErrSessionCrashed, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// statusCheck rejects navigations the portal answered with an error status.
func (s *session) statusCheck(op string) error {
	status := s.meta.lastStatus()
	if status < 400 {
		return nil
	}
	return retry.FromHTTPStatus(status, fmt.Errorf("%s: portal returned status %d", op, status))
}

func (s *session) currentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitPagerAt(page int) chromedp.Action {
	var ok bool
	return chromedp.Poll(fmt.Sprintf(pagerAtJS, page), &ok)
}

// listURL encodes the filter window into the listing URL for server-filter
// mode. Page 1 carries no page parameter, matching the portal's canonical
// form.
func listURL(base string, target portal.CrawlTarget, page int) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("category", string(target.Category))
	if target.Window.IsYear() {
		q.Set("year", strconv.Itoa(target.Window.Year))
	} else {
		q.Set("from", target.Window.From.Format("2006-01-02"))
		q.Set("to", target.Window.To.Format("2006-01-02"))
	}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	} else {
		q.Del("page")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// pageMeta captures the last top-level document response on the automation
// context. chromedp listeners run concurrently with actions, so captures
// are guarded.
type pageMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newPageMeta() *pageMeta {
	return &pageMeta{}
}

func (m *pageMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *pageMeta) lastStatus() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Package browser implements the automation capability against the
// portal with a real headless browser. One Client wraps one long-lived
// browser session; calls are serialized because the portal UI is
// stateful (login, selected entity, form in progress).
package browser

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/core"
)

// Client is a chromedp-backed core.AutomationClient.
type Client struct {
	cfg    config.BrowserConfig
	logger *log.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu sync.Mutex
}

// New launches the browser session. Close must be called to release it.
func New(cfg config.BrowserConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "PortalPilot/1.0"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.UserAgent(ua),
	)
	actx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, browserCancel := chromedp.NewContext(actx)

	return &Client{
		cfg:           cfg,
		logger:        log.New(log.Writer(), "[BROWSER] ", log.LstdFlags),
		browserCtx:    bctx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// Close tears down the browser session.
func (c *Client) Close() {
	c.browserCancel()
	c.allocCancel()
}

func (c *Client) timeout() time.Duration {
	if c.cfg.ActionTimeout > 0 {
		return c.cfg.ActionTimeout
	}
	return 30 * time.Second
}

// run executes chromedp actions against the shared session under the
// client lock and the configured per-action timeout.
func (c *Client) run(actions ...chromedp.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(c.browserCtx, c.timeout())
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

// Login authenticates with the configured portal credentials. Params
// may override "username" and "password".
func (c *Client) Login(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	username := stringParam(params, "username", c.cfg.Username)
	password := stringParam(params, "password", c.cfg.Password)
	if username == "" || password == "" {
		return core.ActionResult{}, fmt.Errorf("login: missing credentials")
	}

	var currentURL string
	err := c.run(
		chromedp.Navigate(joinURL(c.cfg.PortalURL, "/login")),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.SetValue(`input[name="username"], input[type="email"]`, username, chromedp.ByQuery),
		chromedp.SetValue(`input[name="password"], input[type="password"]`, password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"], input[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&currentURL),
	)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("login: %w", err)
	}
	// still on the login page means the portal refused the credentials
	if strings.Contains(currentURL, "/login") {
		c.logger.Printf("login rejected, still at %s", currentURL)
		return core.ActionResult{Success: false, Data: map[string]interface{}{"url": currentURL}}, nil
	}
	return core.ActionResult{Success: true, Data: map[string]interface{}{
		"url":          currentURL,
		"current_page": pageName(currentURL),
	}}, nil
}

// ListEntities fetches the entity list the logged-in user can act on.
func (c *Client) ListEntities(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	listURL := joinURL(c.cfg.PortalURL, stringParam(params, "path", "/entities"))

	var entities []map[string]string
	err := c.run(
		chromedp.Navigate(listURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`(() => {
			const tagged = document.querySelectorAll('[data-entity-id]');
			if (tagged.length) {
				return Array.from(tagged).map(n => ({
					id: n.getAttribute('data-entity-id') || '',
					name: (n.textContent || '').trim(),
				}));
			}
			return Array.from(document.querySelectorAll('.entity-list a, table.entities a, ul.entities a')).map(a => ({
				id: a.getAttribute('href') || '',
				name: (a.textContent || '').trim(),
			}));
		})()`, &entities),
	)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("list_entities: %w", err)
	}

	items := make([]interface{}, 0, len(entities))
	for _, e := range entities {
		if e["name"] == "" {
			continue
		}
		items = append(items, map[string]interface{}{"id": e["id"], "name": e["name"]})
	}
	return core.ActionResult{Success: true, Data: map[string]interface{}{
		"entities":     items,
		"count":        len(items),
		"current_page": "entities",
	}}, nil
}

// SelectEntity clicks the entity identified by params["entity"] (name
// or id). Reports failure when nothing on the page matches.
func (c *Client) SelectEntity(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	entity := stringParam(params, "entity", "")
	if entity == "" {
		return core.ActionResult{}, fmt.Errorf("select_entity: missing entity parameter")
	}

	var clicked bool
	var currentURL string
	err := c.run(
		chromedp.Evaluate(fmt.Sprintf(`(() => {
			const wanted = %q.toLowerCase();
			const nodes = document.querySelectorAll('[data-entity-id], .entity-list a, table.entities a, ul.entities a');
			for (const n of nodes) {
				const id = (n.getAttribute('data-entity-id') || n.getAttribute('href') || '').toLowerCase();
				const name = (n.textContent || '').trim().toLowerCase();
				if (id === wanted || name === wanted || name.includes(wanted)) {
					n.click();
					return true;
				}
			}
			return false;
		})()`, entity), &clicked),
	)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("select_entity: %w", err)
	}
	if !clicked {
		return core.ActionResult{Success: false, Data: map[string]interface{}{"entity": entity}}, nil
	}
	if err := c.run(chromedp.WaitReady("body", chromedp.ByQuery), chromedp.Location(&currentURL)); err != nil {
		return core.ActionResult{}, fmt.Errorf("select_entity: %w", err)
	}
	return core.ActionResult{Success: true, Data: map[string]interface{}{
		"entity":       entity,
		"url":          currentURL,
		"current_page": pageName(currentURL),
	}}, nil
}

// NavigateToForm opens the submission form for the selected entity.
func (c *Client) NavigateToForm(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	formURL := joinURL(c.cfg.PortalURL, stringParam(params, "path", "/submissions/new"))

	var hasForm bool
	err := c.run(
		chromedp.Navigate(formURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`document.querySelector('form') !== null`, &hasForm),
	)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("navigate_to_form: %w", err)
	}
	if !hasForm {
		return core.ActionResult{Success: false, Data: map[string]interface{}{"url": formURL}}, nil
	}
	return core.ActionResult{Success: true, Data: map[string]interface{}{
		"url":          formURL,
		"current_page": "submission_form",
	}}, nil
}

// FillForm writes params["fields"] into the form by input name. Fields
// are applied in sorted order so retries behave the same way.
func (c *Client) FillForm(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	fields, _ := params["fields"].(map[string]interface{})
	if len(fields) == 0 {
		return core.ActionResult{}, fmt.Errorf("fill_form: missing fields parameter")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	actions := []chromedp.Action{chromedp.WaitReady("form", chromedp.ByQuery)}
	filled := make([]string, 0, len(names))
	for _, name := range names {
		value := fmt.Sprintf("%v", fields[name])
		selector := fmt.Sprintf(`form [name=%q]`, name)
		actions = append(actions, chromedp.SetValue(selector, value, chromedp.ByQuery))
		filled = append(filled, name)
	}
	if err := c.run(actions...); err != nil {
		return core.ActionResult{}, fmt.Errorf("fill_form: %w", err)
	}
	return core.ActionResult{Success: true, Data: map[string]interface{}{
		"filled":       filled,
		"current_page": "submission_form",
	}}, nil
}

// SubmitForm submits the open form. Not idempotent: calling it twice
// may create two submissions on the portal.
func (c *Client) SubmitForm(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	var confirmation string
	var currentURL string
	err := c.run(
		chromedp.Click(`form button[type="submit"], form input[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`(() => {
			const el = document.querySelector('.confirmation, .alert-success, .flash-success');
			return el ? el.textContent.trim() : '';
		})()`, &confirmation),
		chromedp.Location(&currentURL),
	)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("submit_form: %w", err)
	}
	if confirmation == "" {
		// no confirmation marker; the submission may not have landed
		return core.ActionResult{Success: false, Data: map[string]interface{}{"url": currentURL}}, nil
	}
	return core.ActionResult{Success: true, Data: map[string]interface{}{
		"confirmation": confirmation,
		"url":          currentURL,
		"current_page": pageName(currentURL),
	}}, nil
}

// GetPageState reads the current page without mutating it: title, url
// and the readable text, truncated to the configured budget.
func (c *Client) GetPageState(ctx context.Context, params map[string]interface{}) (core.ActionResult, error) {
	var html string
	var currentURL string
	err := c.run(
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&currentURL),
	)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("get_page_state: %w", err)
	}

	data := map[string]interface{}{
		"url":          currentURL,
		"current_page": pageName(currentURL),
	}
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(currentURL))
	if err == nil {
		maxChars := c.cfg.MaxPageChars
		if maxChars <= 0 {
			maxChars = 4000
		}
		data["title"] = strings.TrimSpace(article.Title)
		data["page_text"] = truncateText(strings.TrimSpace(article.TextContent), maxChars)
	}
	return core.ActionResult{Success: true, Data: data}, nil
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// truncateText cuts s to at most max bytes without splitting a rune.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// pageName derives a short page label from a url path.
func pageName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "home"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

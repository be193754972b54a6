package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/browser-brain/internal/memory"
)

// Element is one interactive node, numbered so the model can refer to it.
type Element struct {
	ID        int     `json:"id"`
	Tag       string  `json:"tag"`
	Type      string  `json:"type,omitempty"`
	Role      string  `json:"role,omitempty"`
	Text      string  `json:"text,omitempty"`
	Href      string  `json:"href,omitempty"`
	Class     string  `json:"className,omitempty"`
	ElementID string  `json:"elementId,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Top       float64 `json:"top"`
	Left      float64 `json:"left"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Visible   bool    `json:"visible"`
}

// PageAnalysis holds coarse page flags. Zero value means nothing detected.
type PageAnalysis struct {
	PageType    string `json:"pageType"`
	HasCaptcha  bool   `json:"hasCaptcha"`
	HasModals   bool   `json:"hasModals"`
	HasSearch   bool   `json:"hasSearch"`
	HasProducts bool   `json:"hasProducts"`
	NeedsScroll bool   `json:"needsScroll"`
}

// PageData counts extractable content blocks.
type PageData struct {
	Products int `json:"products"`
	Articles int `json:"articles"`
	Tables   int `json:"tables"`
}

// Perception is everything the decision engine sees about the page.
type Perception struct {
	URL        string
	Domain     string
	Title      string
	BodyText   string
	Elements   []Element
	Analysis   PageAnalysis
	Data       PageData
	Screenshot []byte
}

// Visible returns elements flagged visible, in page order.
func (p Perception) Visible() []Element {
	out := make([]Element, 0, len(p.Elements))
	for _, el := range p.Elements {
		if el.Visible {
			out = append(out, el)
		}
	}
	return out
}

// ElementByID looks up an element by its numeric label.
func (p Perception) ElementByID(id int) (Element, bool) {
	for _, el := range p.Elements {
		if el.ID == id {
			return el, true
		}
	}
	return Element{}, false
}

func (p Perception) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTYPE: %s\nELEMENTS:\n", p.URL, p.Title, p.Analysis.PageType)
	for _, el := range p.Elements {
		if !el.Visible {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s type=%s text=%q\n", el.ID, el.Tag, el.Type, truncate(el.Text, 50))
	}
	return b.String()
}

// Options controls what Collect captures.
type Options struct {
	Screenshot  bool
	MaxElements int
}

// rawPage is the shape returned by pageScript.
type rawPage struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	Elements     []Element `json:"elements"`
	ProductNodes int       `json:"productNodes"`
	SearchInputs int       `json:"searchInputs"`
	PasswordBox  bool      `json:"passwordBox"`
	Modals       int       `json:"modals"`
	ScrollHeight float64   `json:"scrollHeight"`
	InnerHeight  float64   `json:"innerHeight"`
	Products     int       `json:"products"`
	Articles     int       `json:"articles"`
	Tables       int       `json:"tables"`
}

// Collect scans the current page. Evaluation failures degrade to a
// perception with PageType "unknown" rather than an error; only a
// cancelled context is reported.
func Collect(ctx context.Context, page playwright.Page, opts Options) (Perception, error) {
	if err := ctx.Err(); err != nil {
		return Perception{}, err
	}
	if opts.MaxElements <= 0 {
		opts.MaxElements = 300
	}

	var raw *rawPage
	val, err := page.Evaluate(pageScript, opts.MaxElements)
	if err == nil {
		raw, err = decodeRaw(val)
	}
	if err != nil {
		raw = nil
	}

	p := Analyze(raw)
	if p.URL == "" {
		p.URL = page.URL()
		p.Domain = memory.ExtractDomain(p.URL)
	}
	if opts.Screenshot && ctx.Err() == nil {
		p.Screenshot = labeledScreenshot(page, p.Elements)
	}
	return p, ctx.Err()
}

const (
	maxLabels      = 50
	minLabelWidth  = 20
	minLabelHeight = 10
)

// labeledScreenshot draws an [id] box over each labelable element, takes
// the PNG and removes the overlay again. A failed overlay still yields a
// plain screenshot; a failed screenshot yields nil.
func labeledScreenshot(page playwright.Page, elements []Element) []byte {
	if boxes := labelBoxes(elements); len(boxes) > 0 {
		if _, err := page.Evaluate(overlayScript, boxes); err == nil {
			defer page.Evaluate(clearOverlayScript) //nolint:errcheck
		}
	}
	shot, err := page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil
	}
	return shot
}

// labelBoxes picks the visible elements big enough to carry a label, up
// to maxLabels, colored by tag.
func labelBoxes(elements []Element) []map[string]any {
	var out []map[string]any
	for _, el := range elements {
		if len(out) >= maxLabels {
			break
		}
		if !el.Visible || el.Width < minLabelWidth || el.Height < minLabelHeight {
			continue
		}
		out = append(out, map[string]any{
			"id":     el.ID,
			"left":   el.Left,
			"top":    el.Top,
			"width":  el.Width,
			"height": el.Height,
			"color":  labelColor(el),
		})
	}
	return out
}

func labelColor(el Element) string {
	if el.Type == "range" {
		return "#e74c3c"
	}
	switch el.Tag {
	case "input", "textarea", "select":
		return "#3498db"
	case "button":
		return "#2ecc71"
	case "a":
		return "#9b59b6"
	default:
		return "#f39c12"
	}
}

func decodeRaw(val any) (*rawPage, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var raw rawPage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// Analyze turns a raw page scan into a Perception. A nil scan yields an
// empty perception of type "unknown".
func Analyze(raw *rawPage) Perception {
	if raw == nil {
		return Perception{Analysis: PageAnalysis{PageType: "unknown"}}
	}
	text := strings.ToLower(raw.Text)

	a := PageAnalysis{
		HasCaptcha:  strings.Contains(text, "captcha") || strings.Contains(text, "verify you are human"),
		HasModals:   raw.Modals > 0,
		HasSearch:   raw.SearchInputs > 0,
		HasProducts: raw.Products > 0 || raw.ProductNodes > 3,
		NeedsScroll: raw.InnerHeight > 0 && raw.ScrollHeight > raw.InnerHeight*1.5,
	}
	switch {
	case strings.Contains(text, "captcha"):
		a.PageType = "captcha"
	case raw.ProductNodes > 3:
		a.PageType = "product_listing"
	case raw.PasswordBox:
		a.PageType = "login"
	case raw.SearchInputs > 0:
		a.PageType = "search"
	default:
		a.PageType = "content"
	}

	return Perception{
		URL:      raw.URL,
		Domain:   memory.ExtractDomain(raw.URL),
		Title:    raw.Title,
		BodyText: raw.Text,
		Elements: raw.Elements,
		Analysis: a,
		Data: PageData{
			Products: raw.Products,
			Articles: raw.Articles,
			Tables:   raw.Tables,
		},
	}
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

const pageScript = `(limit) => {
	const selectors = [
		'a[href]', 'button', 'input', 'textarea', 'select',
		'[role="button"]', '[role="link"]', '[role="tab"]',
		'[role="menuitem"]', '[role="slider"]', '[onclick]',
		'[data-testid]', 'label', '[type="submit"]',
		'[type="checkbox"]', '[type="radio"]',
		'[class*="btn"]', '[class*="link"]', '[class*="click"]'
	].join(',');

	const elements = [];
	let nextId = 1;
	for (const el of document.querySelectorAll(selectors)) {
		if (elements.length >= limit) break;
		try {
			const rect = el.getBoundingClientRect();
			const style = window.getComputedStyle(el);
			const rendered = rect.width > 0 && rect.height > 0 &&
				style.display !== 'none' && style.visibility !== 'hidden' &&
				parseFloat(style.opacity) > 0.1;
			if (!rendered) continue;
			const inViewport = rect.top < window.innerHeight + 300 && rect.bottom > -300 &&
				rect.left < window.innerWidth + 100 && rect.right > -100;
			const text = (el.innerText || el.textContent || el.value || el.placeholder ||
				el.getAttribute('aria-label') || el.getAttribute('title') ||
				el.getAttribute('alt') || '').trim();
			elements.push({
				id: nextId++,
				tag: el.tagName.toLowerCase(),
				type: el.type || '',
				role: el.getAttribute('role') || '',
				text: text.substring(0, 200),
				href: el.href || '',
				className: typeof el.className === 'string' ? el.className : '',
				elementId: el.id || '',
				x: Math.round(rect.left + rect.width / 2),
				y: Math.round(rect.top + rect.height / 2),
				top: Math.round(rect.top),
				left: Math.round(rect.left),
				width: Math.round(rect.width),
				height: Math.round(rect.height),
				visible: inViewport
			});
		} catch (e) {}
	}
	elements.sort((a, b) => {
		if (a.visible !== b.visible) return b.visible ? 1 : -1;
		return a.top - b.top;
	});

	const body = document.body;
	const text = body ? (body.innerText || '').slice(0, 5000) : '';
	const productSel = '[data-testid*="product"],.product-card,[class*="ProductCard"],[itemtype*="Product"]';
	const modalSel = '[role="dialog"],[aria-modal="true"],.modal.show,.modal[style*="block"]';
	const searchSel = 'input[type="search"],input[name*="search" i],input[placeholder*="search" i],[role="searchbox"]';
	const visibleCount = (sel) => Array.from(document.querySelectorAll(sel)).filter(n => {
		const r = n.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	}).length;

	return {
		url: location.href,
		title: document.title || '',
		text: text,
		elements: elements,
		productNodes: document.querySelectorAll('[class*="product"]').length,
		searchInputs: visibleCount(searchSel),
		passwordBox: !!document.querySelector('input[type="password"]'),
		modals: visibleCount(modalSel),
		scrollHeight: body ? body.scrollHeight : 0,
		innerHeight: window.innerHeight || 0,
		products: document.querySelectorAll(productSel).length,
		articles: document.querySelectorAll('article').length,
		tables: document.querySelectorAll('table').length
	};
}`

const overlayScript = `(boxes) => {
	const old = document.getElementById('__agent_labels');
	if (old) old.remove();
	const root = document.createElement('div');
	root.id = '__agent_labels';
	root.style.cssText = 'position:fixed;inset:0;pointer-events:none;z-index:2147483647;';
	for (const b of boxes) {
		const box = document.createElement('div');
		box.style.cssText = 'position:absolute;box-sizing:border-box;border:3px solid ' + b.color + ';' +
			'left:' + b.left + 'px;top:' + b.top + 'px;width:' + b.width + 'px;height:' + b.height + 'px;';
		const label = document.createElement('div');
		label.textContent = '[' + b.id + ']';
		label.style.cssText = 'position:absolute;padding:1px 4px;font:bold 13px monospace;color:#fff;' +
			'border-radius:3px;background:' + b.color + ';' +
			'left:' + (b.left + 3) + 'px;top:' + Math.max(0, b.top - 18) + 'px;';
		root.appendChild(box);
		root.appendChild(label);
	}
	(document.body || document.documentElement).appendChild(root);
	return boxes.length;
}`

const clearOverlayScript = `() => {
	const el = document.getElementById('__agent_labels');
	if (el) el.remove();
}`

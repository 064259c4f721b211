package browser

import (
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

// ScrollOptions defines the scroll-and-settle behaviour for lazy-loading
// result pages.
type ScrollOptions struct {
	// Strategy is "adaptive" (height-driven with an image-ready tail) or
	// "settle" (fixed extra passes).
	Strategy     string
	StepPx       int
	Pause        time.Duration
	StableAfter  int // consecutive attempts without height growth
	MaxAttempts  int
	ExtraScrolls int
	ReadyRatio   float64
	SettlePasses int
}

func (o *ScrollOptions) defaults() {
	if o.Strategy == "" {
		o.Strategy = "adaptive"
	}
	if o.StepPx <= 0 {
		o.StepPx = 1200
	}
	if o.Pause <= 0 {
		o.Pause = 400 * time.Millisecond
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 40
	}
	if o.ExtraScrolls <= 0 {
		o.ExtraScrolls = 6
	}
	if o.ReadyRatio <= 0 {
		o.ReadyRatio = 0.6
	}
	if o.SettlePasses <= 0 {
		o.SettlePasses = 4
	}
}

// promoteLazyJS copies the known lazy-load attributes into src/srcset so the
// captured HTML carries resolvable image URLs.
const promoteLazyJS = `() => {
	const singles = ['data-src', 'data-lazy-src'];
	const sets = ['data-srcset', 'data-lazy-srcset'];
	for (const img of document.querySelectorAll('img')) {
		if (!img.getAttribute('src')) {
			for (const a of singles) {
				const v = img.getAttribute(a);
				if (v) { img.setAttribute('src', v); break; }
			}
		}
		if (!img.getAttribute('srcset')) {
			for (const a of sets) {
				const v = img.getAttribute(a);
				if (v) { img.setAttribute('srcset', v); break; }
			}
		}
	}
}`

const scrollHeightJS = `() => document.documentElement.scrollHeight`

const scrollByJS = `(step) => window.scrollBy(0, step)`

// imageReadyJS counts cards and cards whose image carries an absolute URL in
// any of the lazy or eager attributes.
const imageReadyJS = `(cardSelector) => {
	const cards = document.querySelectorAll(cardSelector);
	const attrs = ['src', 'data-src', 'data-lazy-src', 'srcset', 'data-srcset', 'data-lazy-srcset'];
	let ready = 0;
	for (const card of cards) {
		const img = card.querySelector('img');
		if (!img) continue;
		for (const a of attrs) {
			const v = img.getAttribute(a);
			if (v && v.includes('http')) { ready++; break; }
		}
	}
	return {ready: ready, total: cards.length};
}`

// scroll runs the configured strategy, ending with one attribute-promotion
// pass regardless of strategy.
func (p *Pool) scroll(page *rod.Page, cardSelector string) error {
	opts := p.cfg.Scroll

	if err := p.scrollMain(page, opts); err != nil {
		return err
	}

	switch opts.Strategy {
	case "settle":
		p.scrollSettle(page, opts)
	default:
		p.scrollAdaptiveTail(page, opts, cardSelector)
	}

	if _, err := page.Eval(promoteLazyJS); err != nil {
		return fmt.Errorf("promoting lazy attributes: %w", err)
	}
	return nil
}

// scrollMain is the shared main loop: scroll by fixed steps until the page
// height stops growing for StableAfter attempts or MaxAttempts is reached.
func (p *Pool) scrollMain(page *rod.Page, opts ScrollOptions) error {
	lastHeight := -1
	stable := 0

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if _, err := page.Eval(scrollByJS, opts.StepPx); err != nil {
			return fmt.Errorf("scrolling: %w", err)
		}
		time.Sleep(opts.Pause)

		res, err := page.Eval(scrollHeightJS)
		if err != nil {
			return fmt.Errorf("measuring scroll height: %w", err)
		}
		height := res.Value.Int()

		if height <= lastHeight {
			stable++
			if stable >= opts.StableAfter {
				return nil
			}
		} else {
			stable = 0
			lastHeight = height
		}
	}
	return nil
}

// scrollAdaptiveTail performs up to ExtraScrolls additional steps while the
// image-ready ratio is below the threshold.
func (p *Pool) scrollAdaptiveTail(page *rod.Page, opts ScrollOptions, cardSelector string) {
	if cardSelector == "" {
		return
	}

	for range opts.ExtraScrolls {
		res, err := page.Eval(imageReadyJS, cardSelector)
		if err != nil {
			return
		}
		total := res.Value.Get("total").Int()
		ready := res.Value.Get("ready").Int()
		if total == 0 || float64(ready)/float64(total) >= opts.ReadyRatio {
			return
		}

		if _, err := page.Eval(scrollByJS, opts.StepPx/2); err != nil {
			return
		}
		time.Sleep(opts.Pause)
		_, _ = page.Eval(promoteLazyJS)
	}
}

// scrollSettle performs SettlePasses rounds of small scroll, pause and
// re-promotion.
func (p *Pool) scrollSettle(page *rod.Page, opts ScrollOptions) {
	for range opts.SettlePasses {
		if _, err := page.Eval(scrollByJS, opts.StepPx/3); err != nil {
			return
		}
		time.Sleep(opts.Pause)
		_, _ = page.Eval(promoteLazyJS)
	}
}

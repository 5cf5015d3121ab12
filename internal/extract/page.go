package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// TargetPlaceholder is replaced by the escaped task target in URL templates.
const TargetPlaceholder = "{target}"

// PageConfig describes how one kind is fetched and parsed.
type PageConfig struct {
	Kind        string
	URLTemplate string
	// Fields maps a result field name to the CSS selector whose first match
	// supplies its text.
	Fields    map[string]string
	Follow    []FollowRule
	UserAgent string
	Timeout   time.Duration
}

// PageExtractor fetches a kind's page with colly and extracts the title,
// configured fields and follow-up links.
type PageExtractor struct {
	cfg  PageConfig
	base *colly.Collector
}

// pageOverrides is the optional task payload understood by PageExtractor.
type pageOverrides struct {
	URL string `json:"url"`
}

// NewPageExtractor builds an extractor for cfg.Kind.
func NewPageExtractor(cfg PageConfig) (*PageExtractor, error) {
	if cfg.Kind == "" {
		return nil, errors.New("page extractor: empty kind")
	}
	if !strings.Contains(cfg.URLTemplate, TargetPlaceholder) {
		return nil, fmt.Errorf("page extractor %s: url template %q lacks %s", cfg.Kind, cfg.URLTemplate, TargetPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(cfg.URLTemplate, TargetPlaceholder, "x")); err != nil {
		return nil, fmt.Errorf("page extractor %s: %w", cfg.Kind, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	// Retries and requeued tasks revisit the same URL.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &PageExtractor{cfg: cfg, base: c}, nil
}

func (p *PageExtractor) Kind() string { return p.cfg.Kind }

// URL renders the page address for target.
func (p *PageExtractor) URL(target string) string {
	return strings.ReplaceAll(p.cfg.URLTemplate, TargetPlaceholder, url.QueryEscape(target))
}

// Extract fetches the task's page.
func (p *PageExtractor) Extract(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	start := time.Now()
	target := p.URL(task.Target)
	if len(task.Payload) > 0 {
		var o pageOverrides
		if err := json.Unmarshal(task.Payload, &o); err == nil && o.URL != "" {
			target = o.URL
		}
	}

	res := &domain.Result{TaskID: task.ID, URL: target, Fields: map[string]string{}}
	var (
		status   int
		fetchErr error
		found    = newDiscoverer(p.cfg.Follow, task.ID)
	)

	collector := p.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		res.URL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if res.Title == "" {
			res.Title = strings.TrimSpace(e.Text)
		}
	})
	for name, selector := range p.cfg.Fields {
		collector.OnHTML(selector, func(e *colly.HTMLElement) {
			if _, ok := res.Fields[name]; !ok {
				res.Fields[name] = strings.TrimSpace(e.Text)
			}
		})
	}
	if len(p.cfg.Follow) > 0 {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			found.add(e.Request.AbsoluteURL(e.Attr("href")))
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, &domain.TransientFetchError{TaskID: task.ID, Err: fmt.Errorf("fetch %s: %w", target, ctx.Err())}
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return nil, classifyStatus(task.ID, target, status, err)
		}
	}

	res.StatusCode = status
	res.Discovered = found.tasks
	res.FetchedAt = start.UTC()
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// classifyStatus decides whether a failed fetch is worth retrying. Throttling,
// server errors and transport failures are transient; other client errors
// mean the target does not exist or is not ours to fetch.
func classifyStatus(taskID, target string, status int, err error) error {
	wrapped := fmt.Errorf("fetch %s: status %d: %w", target, status, err)
	switch {
	case status == 0,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return &domain.TransientFetchError{TaskID: taskID, Err: wrapped}
	case status >= http.StatusBadRequest:
		return &domain.PermanentFetchError{TaskID: taskID, Err: wrapped}
	default:
		return &domain.TransientFetchError{TaskID: taskID, Err: wrapped}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

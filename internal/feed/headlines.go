package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/rewired-gh/alphaterm/internal/models"
)

// HeadlineConfig describes where headlines live on a page.
type HeadlineConfig struct {
	Name         string `mapstructure:"name"`
	URL          string `mapstructure:"url"`
	ItemSelector string `mapstructure:"item_selector"`
	TextSelector string `mapstructure:"text_selector"`
	TimeSelector string `mapstructure:"time_selector"`
	TimeAttr     string `mapstructure:"time_attr"`
	LinkSelector string `mapstructure:"link_selector"`
	UserAgent    string `mapstructure:"user_agent"`
}

// Headlines scrapes a headline listing page.
type Headlines struct {
	cfg    HeadlineConfig
	client *http.Client
}

// NewHeadlines wires an HTTP client; a nil client gets a 20s timeout.
func NewHeadlines(cfg HeadlineConfig, client *http.Client) *Headlines {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.TimeAttr == "" {
		cfg.TimeAttr = "datetime"
	}
	if cfg.TimeSelector == "" {
		cfg.TimeSelector = "time"
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "alphaterm/1.0"
	}
	return &Headlines{cfg: cfg, client: client}
}

func (h *Headlines) Name() string {
	if h.cfg.Name != "" {
		return h.cfg.Name
	}
	return "headlines"
}

func (h *Headlines) FetchEvents(ctx context.Context) ([]models.Event, error) {
	doc, err := h.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(h.cfg.URL)

	var events []models.Event
	doc.Find(h.cfg.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		if e, ok := h.parseItem(item, base); ok {
			events = append(events, e)
		}
	})
	return keepValid(h.Name(), events), nil
}

func (h *Headlines) fetchDocument(ctx context.Context) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", h.Name(), resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

func (h *Headlines) parseItem(item *goquery.Selection, base *url.URL) (models.Event, bool) {
	text := item
	if h.cfg.TextSelector != "" {
		text = item.Find(h.cfg.TextSelector).First()
	}
	label := strings.Join(strings.Fields(text.Text()), " ")
	if label == "" {
		return models.Event{}, false
	}

	raw, ok := item.Find(h.cfg.TimeSelector).First().Attr(h.cfg.TimeAttr)
	if !ok {
		raw, ok = item.Attr(h.cfg.TimeAttr)
	}
	if !ok {
		return models.Event{}, false
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return models.Event{}, false
	}

	var link string
	if href, ok := item.Find(h.cfg.LinkSelector).First().Attr("href"); ok {
		link = resolveLink(base, href)
	}

	return models.Event{
		ID:        EventID(h.Name(), label, strconv.FormatInt(ts.UnixMilli(), 10)),
		Kind:      models.KindHeadline,
		Timestamp: ts,
		Label:     label,
		Source:    h.Name(),
		URL:       link,
	}, true
}

// parseTimestamp accepts RFC3339, unix milliseconds or unix seconds and
// truncates to millisecond precision in UTC.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 1e12 {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

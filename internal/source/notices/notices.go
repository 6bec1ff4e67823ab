// Package notices scrapes a municipal notice board: the daily list of
// published notices plus their PDF attachments.
package notices

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/opencollect/opencollect/internal/config"
	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/source"
	"github.com/opencollect/opencollect/pkg/logger"
	"github.com/opencollect/opencollect/pkg/ratelimit"
)

// SourceID is the registry identifier for this source.
const SourceID = "notices"

// noticeDateLayouts covers the date formats municipal boards publish.
var noticeDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
}

type collector struct {
	cfg     config.NoticesConfig
	client  *http.Client
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// New declares the municipal notices source.
func New(cfg config.NoticesConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *source.Definition {
	c := &collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: limiter,
		log:     log.WithSource(SourceID),
	}
	return &source.Definition{
		ID:       SourceID,
		Name:     "Municipal Notices",
		Homepage: cfg.ListURL,
		Schedules: []source.Schedule{
			{Frequency: source.Daily, Handler: c.collect},
		},
	}
}

// notice is one parsed entry from the board's list page.
type notice struct {
	Title       string
	URL         string
	Category    string
	PublishedAt time.Time
	Attachments []string // absolute PDF URLs
}

func (c *collector) collect(ctx context.Context, ic *ingest.Context) error {
	doc, err := c.fetchList(ctx)
	if err != nil {
		return err
	}

	notices, err := parseList(doc, c.cfg.ListURL)
	if err != nil {
		return err
	}
	c.log.Info().Int("count", len(notices)).Msg("Parsed notice list")

	uploaded := 0
	for _, n := range notices {
		var fileNames []string
		if c.cfg.DownloadAttachments {
			for _, att := range n.Attachments {
				if c.cfg.MaxAttachments > 0 && uploaded >= c.cfg.MaxAttachments {
					break
				}
				name, err := c.uploadAttachment(ctx, ic, n, att)
				if err != nil {
					c.log.Warn().Err(err).Str("url", att).Msg("Failed to upload attachment")
					continue
				}
				fileNames = append(fileNames, name)
				uploaded++
			}
		}

		payload := map[string]interface{}{
			"title":       n.Title,
			"url":         n.URL,
			"category":    n.Category,
			"attachments": fileNames,
		}
		if !n.PublishedAt.IsZero() {
			payload["published"] = n.PublishedAt.Format("2006-01-02")
		}

		opts := []ingest.RecordOption{ingest.WithObservedAt(observedAt(n))}
		if n.Category != "" {
			opts = append(opts, ingest.WithTags(n.Category))
		}

		if _, err := ic.StoreRecord(ctx, "notice", payload, opts...); err != nil {
			return fmt.Errorf("failed to store notice %q: %w", n.Title, err)
		}
	}

	return nil
}

func (c *collector) fetchList(ctx context.Context) (*goquery.Document, error) {
	if err := c.limiter.Wait(ctx, ratelimit.LimiterNotices); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ListURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "opencollect/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notice list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("notice board returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notice list: %w", err)
	}
	return doc, nil
}

// parseList extracts notices from the board's list page. Entries are
// expected as elements with class "notice"; the first link is the notice
// itself, links ending in .pdf are attachments.
func parseList(doc *goquery.Document, baseURL string) ([]notice, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad list url: %w", err)
	}

	var notices []notice
	doc.Find(".notice").Each(func(_ int, s *goquery.Selection) {
		link := s.Find("a").First()
		title := strings.TrimSpace(link.Text())
		if title == "" {
			title = strings.TrimSpace(s.Find(".notice-title").Text())
		}
		if title == "" {
			return
		}

		n := notice{
			Title:    title,
			Category: strings.TrimSpace(s.Find(".notice-category").First().Text()),
		}

		if href, ok := link.Attr("href"); ok {
			n.URL = resolveRef(base, href)
		}

		if dt, ok := s.Find("time").First().Attr("datetime"); ok {
			n.PublishedAt = parseNoticeDate(dt)
		} else {
			n.PublishedAt = parseNoticeDate(strings.TrimSpace(s.Find(".notice-date").First().Text()))
		}

		s.Find("a").Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok {
				return
			}
			if strings.HasSuffix(strings.ToLower(href), ".pdf") {
				n.Attachments = append(n.Attachments, resolveRef(base, href))
			}
		})

		notices = append(notices, n)
	})

	return notices, nil
}

func (c *collector) uploadAttachment(ctx context.Context, ic *ingest.Context, n notice, attURL string) (string, error) {
	if err := c.limiter.Wait(ctx, ratelimit.LimiterNotices); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "opencollect/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("attachment download returned status %d", resp.StatusCode)
	}

	fileName := attachmentName(attURL)
	doc, err := ic.UploadDocument(ctx, ingest.Upload{
		FileName:    fileName,
		ContentType: "application/pdf",
		Body:        resp.Body,
		CapturedAt:  observedAt(n),
		Meta: map[string]interface{}{
			"notice": n.Title,
			"url":    attURL,
		},
	})
	if err != nil {
		return "", err
	}

	c.log.Debug().
		Str("file", fileName).
		Str("key", doc.StorageKey).
		Msg("Uploaded notice attachment")
	return doc.FileName, nil
}

func resolveRef(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func parseNoticeDate(s string) time.Time {
	for _, layout := range noticeDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func attachmentName(attURL string) string {
	if u, err := url.Parse(attURL); err == nil {
		if name := path.Base(u.Path); name != "." && name != "/" {
			return name
		}
	}
	return "attachment.pdf"
}

func observedAt(n notice) time.Time {
	if !n.PublishedAt.IsZero() {
		return n.PublishedAt
	}
	return time.Now().UTC()
}

package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lherron/tfsync/internal/domain"
)

const (
	defaultTimeout     = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Payload is the webhook payload for an unresolved conflict.
type Payload struct {
	ConflictID    int64  `json:"conflict_id"`
	SessionID     string `json:"session_id"`
	SourceID      string `json:"source_id"`
	ConflictType  string `json:"conflict_type"`
	TypeName      string `json:"conflict_type_name"`
	ChangeGroupID *int64 `json:"change_group_id"`
	ItemID        string `json:"item_id"`
	Scope         string `json:"scope"`
	Details       string `json:"details"`
}

// PayloadFor builds the payload of a conflict record.
func PayloadFor(c *domain.Conflict) Payload {
	return Payload{
		ConflictID:    c.ID,
		SessionID:     c.SessionID.String(),
		SourceID:      c.SourceID.String(),
		ConflictType:  c.ConflictType.String(),
		TypeName:      c.ConflictTypeName,
		ChangeGroupID: c.ChangeGroupID,
		ItemID:        c.ItemID,
		Scope:         c.Scope,
		Details:       c.Details,
	}
}

// Notifier posts unresolved conflicts to a fixed set of URLs. Delivery is
// best effort: failures are logged and never reach the caller.
type Notifier struct {
	urls        []string
	client      *http.Client
	logger      *log.Logger
	concurrency int
	wg          sync.WaitGroup
}

// NewNotifier returns a notifier for urls. Invalid URLs are dropped.
func NewNotifier(urls []string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      logger,
		concurrency: defaultConcurrency,
	}
	n.urls = normalizeWebhookURLs(urls, logger)
	return n
}

// URLs returns the normalized target URLs.
func (n *Notifier) URLs() []string { return n.urls }

// NotifyUnresolved dispatches c in the background.
func (n *Notifier) NotifyUnresolved(c *domain.Conflict) {
	if len(n.urls) == 0 || c == nil {
		return
	}
	payload := PayloadFor(c)
	targets := make([]string, 0, len(n.urls))
	for _, u := range n.urls {
		targets = append(targets, applyTemplate(u, payload))
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dispatchURLs(targets, payload)
	}()
}

// Wait blocks until every pending dispatch has finished.
func (n *Notifier) Wait() { n.wg.Wait() }

func normalizeWebhookURLs(urls []string, logger *log.Logger) []string {
	if len(urls) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		if !isValidWebhookURL(trimmed) {
			logger.Warn("skipping invalid webhook url", "url", trimmed)
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{session_id}", payload.SessionID)
	result = strings.ReplaceAll(result, "{source_id}", payload.SourceID)
	result = strings.ReplaceAll(result, "{conflict_id}", strconv.FormatInt(payload.ConflictID, 10))
	return result
}

func isValidWebhookURL(raw string) bool {
	// Placeholders are not valid URL text until templated.
	stripped := strings.NewReplacer("{", "", "}", "").Replace(raw)
	parsed, err := url.Parse(stripped)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	return true
}

func (n *Notifier) dispatchURLs(urls []string, payload Payload) {
	if len(urls) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to encode webhook payload", "err", err)
		return
	}

	workers := n.concurrency
	if len(urls) < workers {
		workers = len(urls)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				n.sendWebhook(endpoint, body)
			}
		}()
	}

	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
}

func (n *Notifier) sendWebhook(endpoint string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("failed to build webhook request", "url", endpoint, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook request failed", "url", endpoint, "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected", "url", endpoint, "status", resp.StatusCode)
	}
}
